package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/services"
)

var (
	errCanceled    = services.Wrap(services.KindCanceled, "pipeline", "cancel", "canceled by request", nil)
	errInterrupted = services.Wrap(services.KindInterrupted, "pipeline", "shutdown", "orchestrator stopped before the job finished", nil)
)

// task is the driving goroutine of one job.
type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (o *Orchestrator) startTask(j *job.Job) {
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	ctx = services.WithJobID(ctx, j.ID)
	t := &task{cancel: cancel, done: make(chan struct{})}
	slot := o.admission.enqueue()

	o.mu.Lock()
	o.tasks[j.ID] = t
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(t.done)
		defer func() {
			o.mu.Lock()
			delete(o.tasks, j.ID)
			o.mu.Unlock()
			cancel(nil)
		}()
		o.run(ctx, j, slot)
	}()
}

func (o *Orchestrator) lookupTask(id string) (*task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	return t, ok
}

// ActiveJobs returns the number of jobs with a live driving task.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tasks)
}

// Await blocks until the job's driving task exits, then returns the stored
// snapshot. Jobs without a task are returned immediately.
func (o *Orchestrator) Await(ctx context.Context, id string) (*job.Job, error) {
	if t, ok := o.lookupTask(id); ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Get(ctx, id)
}

// Cancel aborts a job's driving task and waits for it to record the failure.
// Jobs that are already terminal are rejected with a client error.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*job.Job, error) {
	t, ok := o.lookupTask(id)
	if !ok {
		current, err := o.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.IsTerminal() {
			return nil, services.Wrap(services.KindClient, "jobs", "cancel", fmt.Sprintf("job %s is already %s", id, current.Status), nil)
		}
		// Orphaned record without a task, e.g. left by another process.
		o.fail(ctx, current, "", errCanceled)
		return o.Get(ctx, id)
	}

	t.cancel(errCanceled)
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logging.WithContext(services.WithJobID(ctx, id), o.logger).Info("job canceled",
		logging.String(logging.FieldEventType, "job_canceled"),
	)
	return o.Get(ctx, id)
}

// Shutdown stops accepting work, cancels every task with kind interrupted
// and waits for them to persist their final state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	active := len(o.tasks)
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down",
		logging.Int("active_jobs", active),
		logging.String(logging.FieldEventType, "orchestrator_shutdown"),
	)
	o.baseCancel(errInterrupted)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// cancelAll cancels every task with cause and waits for them to exit.
func (o *Orchestrator) cancelAll(ctx context.Context, cause error) error {
	o.mu.RLock()
	pending := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		pending = append(pending, t)
	}
	o.mu.RUnlock()

	for _, t := range pending {
		t.cancel(cause)
	}
	for _, t := range pending {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jobstore.ErrNotFound)
}
