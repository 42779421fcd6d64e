package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/services"
	"conductor/internal/stage"
)

const persistTimeout = 10 * time.Second

// Orchestrator owns the job state machine and drives each job through the
// stage services on its own goroutine.
type Orchestrator struct {
	cfg      *config.Config
	store    jobstore.Store
	clients  map[job.Stage]stage.Client
	breakers *breaker.Registry
	hub      *events.Hub
	logger   *slog.Logger

	weights         job.Weights
	stageTimeout    time.Duration
	pipelineTimeout time.Duration
	ttl             time.Duration
	retain          bool

	now   func() time.Time
	newID func() string

	admission  *admission
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	submitMu   sync.Mutex

	mu       sync.RWMutex
	tasks    map[string]*task
	wg       sync.WaitGroup
	closing  bool
	lastErr  error
	health   map[string]stage.Health
	healthMu sync.RWMutex
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides job id assignment.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// New constructs an orchestrator. clients must hold one client per stage.
func New(cfg *config.Config, store jobstore.Store, clients map[job.Stage]stage.Client, breakers *breaker.Registry, hub *events.Hub, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || store == nil {
		return nil, fmt.Errorf("orchestrator: config and store are required")
	}
	for _, st := range job.Stages() {
		if clients[st] == nil {
			return nil, fmt.Errorf("orchestrator: missing client for stage %s", st)
		}
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Options{}, logger)
	}
	if hub == nil {
		hub = events.NewHub(0, logger)
	}
	maxJobs := cfg.Pipeline.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		cfg:             cfg,
		store:           store,
		clients:         clients,
		breakers:        breakers,
		hub:             hub,
		logger:          logging.NewComponentLogger(logger, "orchestrator"),
		weights:         job.WeightsFrom(cfg.Pipeline.StageWeights),
		stageTimeout:    cfg.Pipeline.StageTimeout(),
		pipelineTimeout: cfg.Pipeline.PipelineTimeout(),
		ttl:             cfg.Pipeline.JobTTL(),
		retain:          cfg.Pipeline.RetainArtifacts(),
		now:             time.Now,
		newID:           uuid.NewString,
		admission:       newAdmission(int64(maxJobs)),
		baseCtx:         baseCtx,
		baseCancel:      baseCancel,
		tasks:           make(map[string]*task),
		health:          make(map[string]stage.Health),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.admission.run(baseCtx)
	return o, nil
}

// Hub exposes the event hub receiving every persisted snapshot.
func (o *Orchestrator) Hub() *events.Hub {
	return o.hub
}

// SubmitResult reports the job a submission resolved to.
type SubmitResult struct {
	Job      *job.Job
	Existing bool
}

// Submit validates input, creates a queued job and starts driving it. With
// idempotency enabled, an equivalent non-failed unexpired job is returned
// instead.
func (o *Orchestrator) Submit(ctx context.Context, input job.Input) (SubmitResult, error) {
	if err := input.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if o.isClosing() {
		return SubmitResult{}, services.Wrap(services.KindInterrupted, "pipeline", "submit", "orchestrator is shutting down", nil)
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	now := o.now()
	if o.cfg.Pipeline.Idempotency {
		existing, err := o.store.FindActiveByKey(ctx, input.IdempotencyKey(), now)
		switch {
		case err == nil:
			logging.WithContext(services.WithJobID(ctx, existing.ID), o.logger).Info("idempotent resubmission",
				logging.String("status", string(existing.Status)),
				logging.String(logging.FieldEventType, "job_reused"),
			)
			return SubmitResult{Job: existing, Existing: true}, nil
		case !isNotFound(err):
			return SubmitResult{}, services.Wrap(services.KindInternal, "jobstore", "find by key", "lookup failed", err)
		}
	}

	j := job.New(o.newID(), input, now, o.ttl)
	j.RefreshProgress(o.weights)
	if err := o.store.Create(ctx, j); err != nil {
		return SubmitResult{}, services.Wrap(services.KindInternal, "jobstore", "create", "persist new job", err)
	}
	o.hub.PublishJob(j)

	logging.WithContext(services.WithJobID(ctx, j.ID), o.logger).Info("job submitted",
		logging.String("source_url", input.SourceURL),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	o.startTask(j.Clone())
	return SubmitResult{Job: j}, nil
}

// Get returns the stored snapshot of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, services.Wrap(services.KindNotFound, "jobs", "get", fmt.Sprintf("job %s not found", id), err)
		}
		return nil, services.Wrap(services.KindInternal, "jobstore", "get", "load job", err)
	}
	return j, nil
}

// List returns recent job summaries, newest first.
func (o *Orchestrator) List(ctx context.Context, filter jobstore.Filter) ([]job.Summary, error) {
	jobs, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, services.Wrap(services.KindInternal, "jobstore", "list", "list jobs", err)
	}
	out := make([]job.Summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summarize())
	}
	return out, nil
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) isClosing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closing
}
