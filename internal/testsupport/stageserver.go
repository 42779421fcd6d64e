package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"conductor/internal/stage"
)

// StageServer is a scripted fake stage service.
//
// Status reads walk the configured plan one entry per GET; the last entry
// repeats. Plan entries are remote states ("queued", "processing",
// "completed", "failed") or an HTTP status code ("404", "503").
type StageServer struct {
	*httptest.Server

	name string

	mu             sync.Mutex
	plan           []string
	submitCodes    []int
	result         json.RawMessage
	failure        string
	artifact       []byte
	healthy        bool
	hits           map[string]int
	submissions    []stage.Submission
	reads          map[string]int
	nextID         int
	onSubmitHook   func(stage.Submission)
	artifactStatus int
}

// NewStageServer starts a fake stage service that completes every job on the
// first status read.
func NewStageServer(t testing.TB, name string) *StageServer {
	t.Helper()
	s := &StageServer{
		name:     name,
		plan:     []string{stage.RemoteCompleted},
		result:   json.RawMessage(fmt.Sprintf(`{"stage":%q}`, name)),
		artifact: []byte(name + "-artifact"),
		healthy:  true,
		hits:     make(map[string]int),
		reads:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetPlan replaces the status sequence returned for every job.
func (s *StageServer) SetPlan(entries ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = append([]string(nil), entries...)
}

// FailSubmits answers the next times submissions with code. A negative times
// fails every submission.
func (s *StageServer) FailSubmits(code, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if times < 0 {
		times = 1 << 20
	}
	for i := 0; i < times; i++ {
		s.submitCodes = append(s.submitCodes, code)
	}
}

// SetResult sets the result payload of completed jobs.
func (s *StageServer) SetResult(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = json.RawMessage(raw)
}

// SetFailure sets the error message reported by failed jobs.
func (s *StageServer) SetFailure(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = message
}

// SetArtifact sets the bytes served by the download endpoint.
func (s *StageServer) SetArtifact(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = append([]byte(nil), data...)
}

// SetArtifactStatus forces the download endpoint to answer with code.
func (s *StageServer) SetArtifactStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactStatus = code
}

// SetHealthy toggles the /health answer.
func (s *StageServer) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// OnSubmit registers a hook run for every accepted submission.
func (s *StageServer) OnSubmit(fn func(stage.Submission)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubmitHook = fn
}

// Hits returns how many requests reached a route: "submit", "status",
// "download" or "health".
func (s *StageServer) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Submissions returns the decoded bodies of accepted submissions.
func (s *StageServer) Submissions() []stage.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stage.Submission(nil), s.submissions...)
}

func (s *StageServer) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodGet && path == "health":
		s.handleHealth(w)
	case r.Method == http.MethodPost && path == "jobs":
		s.handleSubmit(w, r)
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "jobs":
		s.handleStatus(w, parts[1])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "jobs" && parts[2] == "download":
		s.handleDownload(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *StageServer) handleHealth(w http.ResponseWriter) {
	s.mu.Lock()
	s.hits["health"]++
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StageServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub stage.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	s.mu.Lock()
	s.hits["submit"]++
	if len(s.submitCodes) > 0 {
		code := s.submitCodes[0]
		s.submitCodes = s.submitCodes[1:]
		s.mu.Unlock()
		writeJSON(w, code, map[string]string{"error": fmt.Sprintf("scripted %d", code)})
		return
	}
	s.nextID++
	id := fmt.Sprintf("%s-%d", s.name, s.nextID)
	s.submissions = append(s.submissions, sub)
	hook := s.onSubmitHook
	s.mu.Unlock()

	if hook != nil {
		hook(sub)
	}
	writeJSON(w, http.StatusAccepted, stage.Accepted{RemoteJobID: id, Status: stage.RemoteQueued})
}

func (s *StageServer) handleStatus(w http.ResponseWriter, id string) {
	s.mu.Lock()
	s.hits["status"]++
	idx := s.reads[id]
	s.reads[id]++
	entry := s.plan[min(idx, len(s.plan)-1)]
	result := s.result
	failure := s.failure
	s.mu.Unlock()

	if code, err := strconv.Atoi(entry); err == nil {
		writeJSON(w, code, map[string]string{"error": fmt.Sprintf("scripted %d", code)})
		return
	}
	status := stage.RemoteStatus{Status: entry}
	switch entry {
	case stage.RemoteProcessing:
		status.Progress = 50
	case stage.RemoteCompleted:
		status.Progress = 100
		status.Result = result
	case stage.RemoteFailed:
		status.Error = failure
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *StageServer) handleDownload(w http.ResponseWriter) {
	s.mu.Lock()
	s.hits["download"]++
	data := s.artifact
	code := s.artifactStatus
	s.mu.Unlock()
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
