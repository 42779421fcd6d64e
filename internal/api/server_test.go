package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conductor/internal/api"
	"conductor/internal/breaker"
	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/orchestrator"
	"conductor/internal/services"
	"conductor/internal/stage"
)

type pipelineStub struct {
	jobs       map[string]*job.Job
	existing   bool
	submitted  []job.Input
	lastFilter jobstore.Filter
	purged     int
	cleared    []string
}

func newPipelineStub() *pipelineStub {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := job.New("job-1", job.Input{SourceURL: "https://media.test/a.mp4"}, now, time.Hour)
	return &pipelineStub{jobs: map[string]*job.Job{j.ID: j}}
}

func (p *pipelineStub) Submit(_ context.Context, input job.Input) (orchestrator.SubmitResult, error) {
	if err := input.Validate(); err != nil {
		return orchestrator.SubmitResult{}, err
	}
	p.submitted = append(p.submitted, input)
	if p.existing {
		return orchestrator.SubmitResult{Job: p.jobs["job-1"], Existing: true}, nil
	}
	j := job.New("job-2", input, time.Now(), time.Hour)
	p.jobs[j.ID] = j
	return orchestrator.SubmitResult{Job: j}, nil
}

func (p *pipelineStub) Get(_ context.Context, id string) (*job.Job, error) {
	j, ok := p.jobs[id]
	if !ok {
		return nil, services.Wrap(services.KindNotFound, "jobs", "get", "job "+id+" not found", nil)
	}
	return j, nil
}

func (p *pipelineStub) List(_ context.Context, filter jobstore.Filter) ([]job.Summary, error) {
	p.lastFilter = filter
	var out []job.Summary
	for _, j := range p.jobs {
		out = append(out, j.Summarize())
	}
	return out, nil
}

func (p *pipelineStub) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsTerminal() {
		return nil, services.Wrap(services.KindClient, "jobs", "cancel", "job already finished", nil)
	}
	_ = j.Fail(&job.Failure{Kind: services.KindCanceled, Message: "canceled by request"}, time.Now())
	return j, nil
}

func (p *pipelineStub) PurgeExpired(context.Context) (int, error) { return p.purged, nil }

func (p *pipelineStub) ClearBreaker(name string) error {
	if name != "download" {
		return services.Wrap(services.KindNotFound, "breakers", "reset", "unknown breaker "+name, nil)
	}
	p.cleared = append(p.cleared, name)
	return nil
}

func (p *pipelineStub) ResetAll(context.Context) (int, error) {
	removed := len(p.jobs)
	p.jobs = map[string]*job.Job{}
	return removed, nil
}

func (p *pipelineStub) Status(context.Context) orchestrator.StatusSummary {
	return orchestrator.StatusSummary{
		Running:  true,
		JobStats: map[job.Status]int{job.StatusQueued: len(p.jobs)},
		Breakers: []breaker.Snapshot{{Target: "download", State: breaker.StateOpen, ConsecutiveFailures: 5}},
		Health:   map[string]stage.Health{"download": {Name: "download", Detail: "status 503"}},
	}
}

func serve(t *testing.T, p api.Pipeline, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	api.NewServer(p, nil, nil).Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitAcceptsNewJob(t *testing.T) {
	p := newPipelineStub()
	w := serve(t, p, http.MethodPost, "/pipeline", `{"input":{"source_url":"https://media.test/b.mp4","language":"de"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.SubmitResponse](t, w)
	if resp.JobID != "job-2" || resp.Status != job.StatusQueued || resp.Existing {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(p.submitted) != 1 || p.submitted[0].Language != "de" {
		t.Fatalf("unexpected submitted input %+v", p.submitted)
	}
}

func TestSubmitReturnsExistingJobWith200(t *testing.T) {
	p := newPipelineStub()
	p.existing = true
	w := serve(t, p, http.MethodPost, "/pipeline", `{"input":{"source_url":"https://media.test/a.mp4"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[api.SubmitResponse](t, w); !resp.Existing || resp.JobID != "job-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"malformed":   `{"input":`,
		"invalid url": `{"input":{"source_url":"nope"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := serve(t, newPipelineStub(), http.MethodPost, "/pipeline", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if resp := decode[api.ErrorResponse](t, w); resp.Kind != services.KindClient || resp.Error == "" {
				t.Fatalf("unexpected error body %+v", resp)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	p := newPipelineStub()
	w := serve(t, p, http.MethodGet, "/jobs/job-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if j := decode[job.Job](t, w); j.ID != "job-1" || len(j.Stages) != 3 {
		t.Fatalf("unexpected job %+v", j)
	}

	w = serve(t, p, http.MethodGet, "/jobs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decode[api.ErrorResponse](t, w); resp.Kind != services.KindNotFound {
		t.Fatalf("unexpected kind %q", resp.Kind)
	}
}

func TestListParsesFilter(t *testing.T) {
	p := newPipelineStub()
	w := serve(t, p, http.MethodGet, "/jobs?limit=900&status=queued,failed&status=completed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if p.lastFilter.Limit != jobstore.MaxListLimit {
		t.Fatalf("expected limit clamped to %d, got %d", jobstore.MaxListLimit, p.lastFilter.Limit)
	}
	if len(p.lastFilter.Status) != 3 || p.lastFilter.Status[2] != job.StatusCompleted {
		t.Fatalf("unexpected statuses %v", p.lastFilter.Status)
	}
	if resp := decode[api.JobListResponse](t, w); len(resp.Jobs) != 1 {
		t.Fatalf("expected one summary, got %d", len(resp.Jobs))
	}

	serve(t, p, http.MethodGet, "/jobs", "")
	if p.lastFilter.Limit != jobstore.DefaultListLimit || len(p.lastFilter.Status) != 0 {
		t.Fatalf("unexpected default filter %+v", p.lastFilter)
	}

	for _, target := range []string{"/jobs?limit=0", "/jobs?limit=ten", "/jobs?status=paused"} {
		if w := serve(t, p, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestCancelJob(t *testing.T) {
	p := newPipelineStub()
	w := serve(t, p, http.MethodPost, "/jobs/job-1/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if j := decode[job.Job](t, w); j.Error == nil || j.Error.Kind != services.KindCanceled {
		t.Fatalf("expected canceled job, got %+v", j.Error)
	}
	if w := serve(t, p, http.MethodPost, "/jobs/job-1/cancel", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for finished job, got %d", w.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	p := newPipelineStub()
	p.purged = 4

	w := serve(t, p, http.MethodPost, "/admin/purge", "")
	if resp := decode[api.PurgeResponse](t, w); w.Code != http.StatusOK || resp.Purged != 4 {
		t.Fatalf("unexpected purge answer %d %+v", w.Code, resp)
	}

	w = serve(t, p, http.MethodPost, "/admin/breakers/download/reset", "")
	if resp := decode[api.BreakerResetResponse](t, w); w.Code != http.StatusOK || resp.Target != "download" || resp.State != breaker.StateClosed {
		t.Fatalf("unexpected breaker answer %d %+v", w.Code, resp)
	}
	if w := serve(t, p, http.MethodPost, "/admin/breakers/upload/reset", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown breaker, got %d", w.Code)
	}

	w = serve(t, p, http.MethodPost, "/admin/reset", "")
	if resp := decode[api.ResetResponse](t, w); w.Code != http.StatusOK || resp.Removed != 1 {
		t.Fatalf("unexpected reset answer %d %+v", w.Code, resp)
	}

	if w := serve(t, p, http.MethodGet, "/admin/reset", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestStatusRoute(t *testing.T) {
	w := serve(t, newPipelineStub(), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.StatusResponse](t, w)
	if !resp.Running || len(resp.Breakers) != 1 || resp.Breakers[0].State != breaker.StateOpen {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp.Health["download"].Ready {
		t.Fatal("expected unhealthy download service")
	}
	if !strings.Contains(w.Body.String(), `"state":"open"`) {
		t.Fatalf("expected breaker state rendered by name: %s", w.Body.String())
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := map[services.Kind]int{
		services.KindClient:      http.StatusBadRequest,
		services.KindNotFound:    http.StatusNotFound,
		services.KindCircuitOpen: http.StatusServiceUnavailable,
		services.KindTransient:   http.StatusServiceUnavailable,
		services.KindInterrupted: http.StatusServiceUnavailable,
		services.KindPollTimeout: http.StatusGatewayTimeout,
		services.KindInternal:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := api.StatusFor(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	w := serve(t, newPipelineStub(), http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if resp := decode[api.ErrorResponse](t, w); resp.Kind != services.KindNotFound {
		t.Fatalf("unexpected kind %q", resp.Kind)
	}
}
