// Package daemonrun assembles and runs the conductor daemon process.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/events"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/stageclient"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// EventBuffer bounds the replay ring of the live update hub.
	EventBuffer int
}

// Run starts the conductor daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conductor-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conductor.log link: %v\n", err)
	}
	logConfigSnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.DataDir, "conductord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := Build(signalCtx, cfg, logger, opts)
	if err != nil {
		logger.Error("daemon assembly failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_build_failed"),
			logging.String(logging.FieldErrorHint, "check store settings and stage service URLs"),
		)
		return err
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check for another running instance and job store access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("conductor daemon shutting down")
	return nil
}

// Build wires the job store, breakers, stage clients, event hub and
// orchestrator into a daemon that has not been started yet.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*daemon.Daemon, error) {
	store, err := jobstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	registry := breaker.NewRegistry(breaker.FromConfig(cfg.Breaker), logger)
	clients, err := stageclient.NewSet(cfg, registry, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hub := events.NewHub(opts.EventBuffer, logger)
	orch, err := orchestrator.New(cfg, store, clients, registry, hub, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	d, err := daemon.New(cfg, store, orch, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	return d, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "conductor.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.String("download_url", cfg.Services.Download.URL),
		logging.String("normalization_url", cfg.Services.Normalization.URL),
		logging.String("transcription_url", cfg.Services.Transcription.URL),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Int("max_concurrent_jobs", cfg.Pipeline.MaxConcurrentJobs),
		logging.String("retention", cfg.Pipeline.Retention),
		logging.Bool("idempotency", cfg.Pipeline.Idempotency),
	)
}
