package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

// Daemon coordinates the orchestrator, the control API and the background
// maintenance loops, and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  jobstore.Store
	orch   *orchestrator.Orchestrator
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	APIAddress   string
	LockFilePath string
	Pipeline     orchestrator.StatusSummary
}

// New constructs a daemon around an orchestrator. A daemon runs once: after
// Stop it cannot be started again.
func New(cfg *config.Config, store jobstore.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || orch == nil {
		return nil, errors.New("daemon requires config, store, and orchestrator")
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	lockPath := cfg.LockPath()
	server := api.NewServer(orch, http.HandlerFunc(orch.Hub().ServeWS), logger)
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		orch:     orch,
		api:      newAPIServer(cfg.Paths.APIBind, server.Handler(), logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, recovers jobs a previous process left
// unfinished, runs a first health sweep, and starts the API server and the
// maintenance loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped.Load() {
		return errors.New("daemon already stopped")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conductor daemon instance is already running")
	}

	if _, err := d.orch.Recover(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("recover jobs: %w", err)
	}
	d.orch.CheckHealth(ctx)

	if err := d.api.start(); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.startLoop(loopCtx, "sweeper", d.cfg.Pipeline.CleanupInterval(), d.sweep)
	d.startLoop(loopCtx, "health-monitor", d.cfg.Pipeline.HealthCheckInterval(), func(ctx context.Context) {
		d.orch.CheckHealth(ctx)
	})

	d.running.Store(true)
	d.logger.Info("conductor daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.addr()),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	return nil
}

func (d *Daemon) startLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		d.logger.Info("background loop disabled", logging.String("loop", name))
		return
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

func (d *Daemon) sweep(ctx context.Context) {
	if _, err := d.orch.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("expired job sweep failed",
			logging.Args(append(logging.ErrorAttrs(err),
				logging.String(logging.FieldEventType, "sweep_failed"),
				logging.String(logging.FieldErrorHint, "check job store access"),
			)...)...,
		)
	}
}

// Stop stops the API server and loops, interrupts running jobs and releases
// the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.loops.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.orch.Shutdown(ctx); err != nil {
		d.logger.Warn("orchestrator shutdown incomplete",
			logging.Error(err),
			logging.String(logging.FieldEventType, "shutdown_incomplete"),
			logging.String(logging.FieldErrorHint, "unfinished jobs will be marked interrupted on next start"),
		)
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.stopped.Store(true)
	d.logger.Info("conductor daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases the job store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// APIAddress returns the address the control API listens on, or "" when the
// API is disabled or not started.
func (d *Daemon) APIAddress() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		APIAddress:   d.api.addr(),
		LockFilePath: d.lockPath,
		Pipeline:     d.orch.Status(ctx),
	}
}
