package testsupport

import (
	"context"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/job"
	"conductor/internal/jobstore"
)

// MustOpenStore opens the configured job store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewJob inserts a queued job for sourceURL and returns it.
func NewJob(t testing.TB, store jobstore.Store, id, sourceURL string) *job.Job {
	t.Helper()

	j := job.New(id, job.Input{SourceURL: sourceURL}, time.Now(), time.Hour)
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return j
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
