package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"conductor/internal/api"
	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/events"
	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/orchestrator"
	"conductor/internal/services"
	"conductor/internal/stageclient"
	"conductor/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config) (*daemon.Daemon, jobstore.Store) {
	t.Helper()
	store, err := jobstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	registry := breaker.NewRegistry(breaker.FromConfig(cfg.Breaker), nil)
	clients, err := stageclient.NewSet(cfg, registry, nil)
	if err != nil {
		t.Fatalf("stageclient.NewSet: %v", err)
	}
	orch, err := orchestrator.New(cfg, store, clients, registry, events.NewHub(0, nil), nil)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	d, err := daemon.New(cfg, store, orch, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d, store
}

func stageConfig(t *testing.T) (*config.Config, *testsupport.StageServer) {
	t.Helper()
	download := testsupport.NewStageServer(t, "download")
	normalization := testsupport.NewStageServer(t, "normalization")
	transcription := testsupport.NewStageServer(t, "transcription")
	cfg := testsupport.NewConfig(t, testsupport.WithStageURLs(download.URL, normalization.URL, transcription.URL))
	return cfg, download
}

func TestDaemonStartStop(t *testing.T) {
	cfg, _ := stageConfig(t)
	d, _ := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running || status.APIAddress == "" {
		t.Fatalf("expected running daemon with API address, got %+v", status)
	}
	if len(status.Pipeline.Health) != 3 {
		t.Fatalf("expected startup health sweep, got %+v", status.Pipeline.Health)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected restart of a stopped daemon to fail")
	}
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg, _ := stageConfig(t)
	first, _ := newDaemon(t, cfg)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second, _ := newDaemon(t, cfg)
	err := second.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}
}

func TestDaemonRecoversInterruptedJobsOnStart(t *testing.T) {
	cfg, _ := stageConfig(t)
	d, store := newDaemon(t, cfg)

	orphan := job.New("left-over", job.Input{SourceURL: "https://media.test/x.mp4"}, time.Now(), time.Hour)
	if err := orphan.StartStage(job.StageDownload, time.Now()); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := store.Create(context.Background(), orphan); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := store.Get(context.Background(), "left-over")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusFailed || got.Error.Kind != services.KindInterrupted {
		t.Fatalf("expected interrupted failure, got %s %+v", got.Status, got.Error)
	}
}

func TestDaemonServesControlAPI(t *testing.T) {
	cfg, download := stageConfig(t)
	d, _ := newDaemon(t, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := "http://" + d.APIAddress()

	resp, err := http.Post(base+"/pipeline", "application/json", strings.NewReader(`{"input":{"source_url":"https://media.test/api.mp4"}}`))
	if err != nil {
		t.Fatalf("POST /pipeline: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitted api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit: %v", err)
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		resp, err := http.Get(base + "/jobs/" + submitted.JobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var j job.Job
		if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
			return false
		}
		return j.Status == job.StatusCompleted
	})
	if download.Hits("submit") != 1 {
		t.Fatalf("expected one download submission, got %d", download.Hits("submit"))
	}
}

func TestSweeperPurgesExpiredJobs(t *testing.T) {
	cfg, _ := stageConfig(t)
	d, store := newDaemon(t, cfg)

	expired := job.New("stale", job.Input{SourceURL: "https://media.test/old.mp4"}, time.Now().Add(-2*time.Hour), time.Hour)
	if err := store.Create(context.Background(), expired); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		_, err := store.Get(context.Background(), "stale")
		return err != nil
	})
}
