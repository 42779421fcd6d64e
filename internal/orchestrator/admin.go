package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/breaker"
	"conductor/internal/job"
	"conductor/internal/logging"
	"conductor/internal/services"
	"conductor/internal/stage"
)

const healthCheckTimeout = 5 * time.Second

// Recover fails every job a previous process left unfinished with kind
// interrupted. It returns how many jobs were recovered.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, services.Wrap(services.KindInternal, "jobstore", "list unfinished", "recover jobs", err)
	}
	recovered := 0
	for _, j := range jobs {
		if _, running := o.lookupTask(j.ID); running {
			continue
		}
		o.fail(services.WithJobID(ctx, j.ID), j, "", errInterrupted)
		if j.Status == job.StatusFailed {
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.Warn("recovered interrupted jobs",
			logging.Int("count", recovered),
			logging.String(logging.FieldEventType, "jobs_recovered"),
			logging.String(logging.FieldErrorHint, "resubmit the affected jobs"),
		)
	}
	return recovered, nil
}

// PurgeExpired deletes jobs whose expiry has passed.
func (o *Orchestrator) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := o.store.DeleteExpired(ctx, o.now())
	if err != nil {
		return 0, services.Wrap(services.KindInternal, "jobstore", "purge", "delete expired jobs", err)
	}
	o.publishRemovals(ids)
	if len(ids) > 0 {
		o.logger.Info("expired jobs purged",
			logging.Int("removed", len(ids)),
			logging.String(logging.FieldEventType, "jobs_purged"),
		)
	}
	return len(ids), nil
}

// ClearBreaker resets the named target's breaker to closed.
func (o *Orchestrator) ClearBreaker(name string) error {
	if !o.breakers.Reset(name) {
		return services.Wrap(services.KindNotFound, "breakers", "reset", "unknown breaker "+name, nil)
	}
	o.logger.Info("breaker reset by operator",
		logging.String(logging.FieldTarget, name),
		logging.String(logging.FieldEventType, "breaker_reset"),
	)
	return nil
}

// ResetAll cancels every running job, deletes every record and closes every
// breaker. It returns how many records were removed.
func (o *Orchestrator) ResetAll(ctx context.Context) (int, error) {
	if err := o.cancelAll(ctx, errCanceled); err != nil {
		return 0, services.Wrap(services.KindInternal, "pipeline", "reset", "wait for running jobs", err)
	}
	ids, err := o.store.DeleteAll(ctx)
	if err != nil {
		return 0, services.Wrap(services.KindInternal, "jobstore", "reset", "delete jobs", err)
	}
	o.publishRemovals(ids)
	o.breakers.ResetAll()
	o.logger.Warn("orchestrator state reset",
		logging.Int("removed", len(ids)),
		logging.String(logging.FieldEventType, "orchestrator_reset"),
	)
	return len(ids), nil
}

func (o *Orchestrator) publishRemovals(ids []string) {
	for _, id := range ids {
		o.hub.PublishRemoval(id)
	}
}

// CheckHealth probes every stage service concurrently and caches the result.
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]stage.Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	stages := job.Stages()
	results := make([]stage.Health, len(stages))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stages {
		client := o.clients[st]
		g.Go(func() error {
			results[i] = client.HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	health := make(map[string]stage.Health, len(stages))
	for i, st := range stages {
		h := results[i]
		health[string(st)] = h
		if !h.Ready {
			o.logger.Warn("stage service unhealthy",
				logging.String(logging.FieldTarget, h.Name),
				logging.String("detail", h.Detail),
				logging.String(logging.FieldEventType, "stage_unhealthy"),
			)
		}
	}

	o.healthMu.Lock()
	o.health = health
	o.healthMu.Unlock()
	return health
}

// StatusSummary is the operational view served by GET /status.
type StatusSummary struct {
	Running    bool                    `json:"running"`
	ActiveJobs int                     `json:"active_jobs"`
	JobStats   map[job.Status]int      `json:"job_stats"`
	Breakers   []breaker.Snapshot      `json:"breakers"`
	Health     map[string]stage.Health `json:"health"`
	LastError  string                  `json:"last_error,omitempty"`
}

// Status reports breaker snapshots, the latest cached health and job counts.
// It never probes stage services itself.
func (o *Orchestrator) Status(ctx context.Context) StatusSummary {
	o.mu.RLock()
	summary := StatusSummary{
		Running:    !o.closing,
		ActiveJobs: len(o.tasks),
	}
	if o.lastErr != nil {
		summary.LastError = o.lastErr.Error()
	}
	o.mu.RUnlock()

	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Warn("failed to read job stats", logging.Error(err))
	}
	summary.JobStats = stats

	summary.Breakers = o.breakers.Snapshots()

	o.healthMu.RLock()
	summary.Health = make(map[string]stage.Health, len(o.health))
	for name, h := range o.health {
		summary.Health[name] = h
	}
	o.healthMu.RUnlock()
	return summary
}
