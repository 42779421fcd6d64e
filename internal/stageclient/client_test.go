package stageclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/poller"
	"conductor/internal/retry"
	"conductor/internal/services"
	"conductor/internal/stage"
	"conductor/internal/stageclient"
	"conductor/internal/testsupport"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newClient(t *testing.T, url string, br *breaker.Breaker) *stageclient.Client {
	t.Helper()
	return stageclient.New("download", url, br, nil,
		stageclient.WithSleeper(noSleep),
		stageclient.WithRetryPolicy(retry.Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second}),
		stageclient.WithPollOptions(poller.Options{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, NotFoundGrace: 5}),
	)
}

func submission() stage.Submission {
	return stage.Submission{PipelineJobID: "job-1", Stage: "download", Input: json.RawMessage(`{"source_url":"https://x.test/a"}`)}
}

func TestSubmitReturnsRemoteID(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	client := newClient(t, srv.URL, nil)

	id, err := client.Submit(context.Background(), submission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "download-1" {
		t.Fatalf("unexpected remote id %q", id)
	}
	subs := srv.Submissions()
	if len(subs) != 1 || subs[0].PipelineJobID != "job-1" {
		t.Fatalf("unexpected submissions %+v", subs)
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	srv.FailSubmits(http.StatusServiceUnavailable, 2)
	client := newClient(t, srv.URL, nil)

	if _, err := client.Submit(context.Background(), submission()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if hits := srv.Hits("submit"); hits != 3 {
		t.Fatalf("expected 3 submit hits, got %d", hits)
	}
	if client.Breaker().Snapshot().ConsecutiveFailures != 0 {
		t.Fatal("expected success to reset breaker failures")
	}
}

func TestSubmitClientErrorNotRetried(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	srv.FailSubmits(http.StatusUnprocessableEntity, -1)
	client := newClient(t, srv.URL, nil)

	_, err := client.Submit(context.Background(), submission())
	if !errors.Is(err, services.ErrClient) {
		t.Fatalf("expected client error, got %v", err)
	}
	if hits := srv.Hits("submit"); hits != 1 {
		t.Fatalf("expected a single attempt, got %d", hits)
	}
	if client.Breaker().State() != breaker.StateClosed {
		t.Fatal("4xx must not count against the breaker")
	}
}

func TestBreakerOpensAfterConsecutive5xxAndShortCircuits(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	srv.FailSubmits(http.StatusInternalServerError, -1)
	br := breaker.New("download", breaker.Options{FailureThreshold: 5, RecoveryTimeout: time.Hour}, nil)
	client := newClient(t, srv.URL, br)

	_, err := client.Submit(context.Background(), submission())
	if err == nil {
		t.Fatal("expected failure")
	}
	if hits := srv.Hits("submit"); hits != 5 {
		t.Fatalf("expected 5 network calls before the circuit opened, got %d", hits)
	}
	if br.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", br.State())
	}

	_, err = client.Submit(context.Background(), submission())
	if !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if hits := srv.Hits("submit"); hits != 5 {
		t.Fatalf("expected no network call while open, got %d hits", hits)
	}
}

func TestAwaitCompletionReportsProgress(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	srv.SetPlan("404", "404", "404", stage.RemoteProcessing, stage.RemoteCompleted)
	srv.SetResult(`{"path":"/media/a.wav"}`)
	client := newClient(t, srv.URL, nil)

	var updates []float64
	status, err := client.AwaitCompletion(context.Background(), "download-1", func(s stage.RemoteStatus) {
		updates = append(updates, s.Progress)
	})
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if status.Status != stage.RemoteCompleted || string(status.Result) != `{"path":"/media/a.wav"}` {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(updates) != 2 || updates[0] != 50 || updates[1] != 100 {
		t.Fatalf("unexpected progress updates %v", updates)
	}
	if client.Breaker().State() != breaker.StateClosed {
		t.Fatal("404 during grace must not trip the breaker")
	}
}

func TestAwaitCompletionFailedCarriesRemoteMessage(t *testing.T) {
	srv := testsupport.NewStageServer(t, "download")
	srv.SetPlan(stage.RemoteProcessing, stage.RemoteFailed)
	srv.SetFailure("unsupported codec")
	client := newClient(t, srv.URL, nil)

	_, err := client.AwaitCompletion(context.Background(), "download-1", nil)
	if services.KindOf(err) != services.KindStageFailed {
		t.Fatalf("expected stage_failed, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported codec")) {
		t.Fatalf("expected remote message in %q", err.Error())
	}
}

func TestFetchArtifactStreams(t *testing.T) {
	srv := testsupport.NewStageServer(t, "transcription")
	srv.SetArtifact([]byte("transcript bytes"))
	client := newClient(t, srv.URL, nil)

	var buf bytes.Buffer
	n, err := client.FetchArtifact(context.Background(), "transcription-1", &buf)
	if err != nil {
		t.Fatalf("FetchArtifact: %v", err)
	}
	if n != int64(len("transcript bytes")) || buf.String() != "transcript bytes" {
		t.Fatalf("unexpected artifact %q (%d)", buf.String(), n)
	}
}

func TestFetchArtifactNotFound(t *testing.T) {
	srv := testsupport.NewStageServer(t, "transcription")
	srv.SetArtifactStatus(http.StatusNotFound)
	client := newClient(t, srv.URL, nil)

	_, err := client.FetchArtifact(context.Background(), "x", &bytes.Buffer{})
	if services.KindOf(err) != services.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if srv.Hits("download") != 1 {
		t.Fatalf("expected no retries for 404, got %d", srv.Hits("download"))
	}
}

func TestRetryAfterHeaderParsed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remote_job_id":"r-1","status":"queued"}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	client := stageclient.New("download", srv.URL, nil, nil,
		stageclient.WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
		stageclient.WithRetryPolicy(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Minute}),
	)
	if _, err := client.Submit(context.Background(), submission()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Fatalf("expected Retry-After wait of 3s, got %v", slept)
	}
}

func TestPerCallTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := stageclient.New("download", srv.URL, nil, nil,
		stageclient.WithRequestTimeout(20*time.Millisecond),
		stageclient.WithSleeper(noSleep),
		stageclient.WithRetryPolicy(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	_, err := client.Submit(context.Background(), submission())
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if client.Breaker().Snapshot().ConsecutiveFailures != 2 {
		t.Fatalf("expected both attempts recorded as failures, got %+v", client.Breaker().Snapshot())
	}
}

func TestHealthCheck(t *testing.T) {
	srv := testsupport.NewStageServer(t, "normalization")
	client := newClient(t, srv.URL, nil)
	if h := client.HealthCheck(context.Background()); !h.Ready {
		t.Fatalf("expected healthy, got %+v", h)
	}
	srv.SetHealthy(false)
	if h := client.HealthCheck(context.Background()); h.Ready || h.Detail == "" {
		t.Fatalf("expected unhealthy with detail, got %+v", h)
	}
	if client.Breaker().State() != breaker.StateClosed {
		t.Fatal("health checks must not touch the breaker")
	}
}
