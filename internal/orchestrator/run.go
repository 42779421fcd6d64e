package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/internal/job"
	"conductor/internal/jobstore"
	"conductor/internal/logging"
	"conductor/internal/services"
	"conductor/internal/stage"
)

// run drives j from queued to a terminal state. It is the only writer of j.
func (o *Orchestrator) run(ctx context.Context, j *job.Job, slot *ticket) {
	logger := logging.WithContext(ctx, o.logger)

	if err := o.admission.wait(ctx, slot); err != nil {
		o.fail(ctx, j, "", err)
		return
	}
	defer o.admission.release()

	runCtx := ctx
	if o.pipelineTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, o.pipelineTimeout,
			services.Wrap(services.KindPollTimeout, "pipeline", "run", fmt.Sprintf("pipeline exceeded %s", o.pipelineTimeout), nil))
		defer cancel()
	}

	start := time.Now()
	logger.Info("job started", logging.String(logging.FieldEventType, "job_start"))

	var previous *stage.Previous
	for _, st := range job.Stages() {
		output, err := o.runStage(runCtx, j, st, previous)
		if err != nil {
			o.fail(runCtx, j, st, err)
			return
		}
		previous = &stage.Previous{
			Stage:       string(st),
			RemoteJobID: output.RemoteJobID,
			Result:      output.Result,
			ArtifactURL: output.ArtifactURL,
		}
	}

	if err := o.complete(runCtx, j); err != nil {
		o.fail(runCtx, j, job.StageTranscription, err)
		return
	}
	logger.Info("job completed",
		logging.Duration("duration", time.Since(start)),
		logging.String(logging.FieldEventType, "job_complete"),
	)
}

func (o *Orchestrator) runStage(ctx context.Context, j *job.Job, st job.Stage, previous *stage.Previous) (job.StageOutput, error) {
	client := o.clients[st]
	stageCtx := services.WithTarget(services.WithStage(ctx, string(st)), client.Name())
	if o.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeoutCause(stageCtx, o.stageTimeout,
			services.Wrap(services.KindPollTimeout, string(st), "run", fmt.Sprintf("stage exceeded %s", o.stageTimeout), nil))
		defer cancel()
	}
	logger := logging.WithContext(stageCtx, o.logger)
	stageStart := time.Now()

	if err := j.StartStage(st, o.now()); err != nil {
		return job.StageOutput{}, services.Wrap(services.KindInternal, string(st), "start", "invalid transition", err)
	}
	if err := o.persist(stageCtx, j); err != nil {
		return job.StageOutput{}, err
	}
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))

	input, err := json.Marshal(j.Input)
	if err != nil {
		return job.StageOutput{}, services.Wrap(services.KindInternal, string(st), "submit", "encode input", err)
	}
	remoteID, err := client.Submit(stageCtx, stage.Submission{
		PipelineJobID: j.ID,
		Stage:         string(st),
		Input:         input,
		Previous:      previous,
	})
	if err != nil {
		return job.StageOutput{}, err
	}
	j.RecordSubmission(st, remoteID, o.now())
	if err := o.persist(stageCtx, j); err != nil {
		return job.StageOutput{}, err
	}

	status, err := client.AwaitCompletion(stageCtx, remoteID, func(s stage.RemoteStatus) {
		if !j.UpdateProgress(st, s.Progress, o.now()) {
			return
		}
		if perr := o.persist(stageCtx, j); perr != nil {
			logger.Warn("progress update not persisted", logging.Args(logging.ErrorAttrs(perr)...)...)
		}
	})
	if err != nil {
		return job.StageOutput{}, err
	}

	output := job.StageOutput{
		Stage:       st,
		RemoteJobID: remoteID,
		Result:      status.Result,
		ArtifactURL: status.ArtifactURL,
	}
	if output.ArtifactURL == "" {
		if locator, ok := client.(artifactLocator); ok {
			output.ArtifactURL = locator.ArtifactURL(remoteID)
		}
	}

	var artifactPath string
	if o.retain {
		artifactPath, err = o.fetchArtifact(stageCtx, client, j.ID, st, remoteID)
		if err != nil {
			return job.StageOutput{}, err
		}
	}

	if err := j.CompleteStage(st, output, o.now()); err != nil {
		return job.StageOutput{}, services.Wrap(services.KindInternal, string(st), "complete", "invalid transition", err)
	}
	j.Stage(st).ArtifactPath = artifactPath
	if err := o.persist(stageCtx, j); err != nil {
		return job.StageOutput{}, err
	}
	logger.Info("stage completed",
		logging.String("remote_job_id", remoteID),
		logging.Duration("stage_duration", time.Since(stageStart)),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
	return output, nil
}

// artifactLocator is implemented by clients that can derive a download URL
// when the stage service does not report one.
type artifactLocator interface {
	ArtifactURL(remoteJobID string) string
}

// complete consolidates the transcription output and finishes the job.
func (o *Orchestrator) complete(ctx context.Context, j *job.Job) error {
	final := j.Stage(job.StageTranscription)
	result := buildResult(final.Output)

	switch {
	case o.retain:
		result.ArtifactPath = final.ArtifactPath
	case o.cfg.Pipeline.FetchFinalArtifact:
		path, err := o.fetchArtifact(ctx, o.clients[job.StageTranscription], j.ID, job.StageTranscription, final.RemoteJobID)
		if err != nil {
			return err
		}
		final.ArtifactPath = path
		result.ArtifactPath = path
	}
	if !o.retain {
		j.DiscardIntermediate()
	}

	if err := j.Complete(result, o.now()); err != nil {
		return services.Wrap(services.KindInternal, "pipeline", "complete", "invalid transition", err)
	}
	return o.persist(ctx, j)
}

// buildResult reads the well-known transcript fields from the final stage
// output and keeps the raw payload alongside.
func buildResult(raw json.RawMessage) job.Result {
	result := job.Result{Raw: raw}
	if len(raw) == 0 {
		return result
	}
	var payload struct {
		Text       string          `json:"text"`
		Transcript string          `json:"transcript"`
		Segments   json.RawMessage `json:"segments"`
		Language   string          `json:"language"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return result
	}
	result.Text = payload.Text
	if result.Text == "" {
		result.Text = payload.Transcript
	}
	result.Segments = payload.Segments
	result.Language = payload.Language
	return result
}

// fail records err on j and persists the failed snapshot. When ctx has ended
// its cause replaces err so cancellation and timeouts keep their kind.
func (o *Orchestrator) fail(ctx context.Context, j *job.Job, st job.Stage, err error) {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	if running, ok := j.RunningStage(); ok {
		st = running
	}
	failure := job.NewFailure(st, err)
	logger := logging.WithContext(ctx, o.logger)
	if ferr := j.Fail(failure, o.now()); ferr != nil {
		logger.Warn("job could not be marked failed", logging.Error(ferr))
		return
	}
	j.RefreshProgress(o.weights)
	o.setLastError(err)

	attrs := append(logging.ErrorAttrs(err),
		logging.String("failed_stage", string(failure.Stage)),
		logging.Bool("retryable", failure.Retryable),
		logging.Float64("overall_progress", j.OverallProgress),
		logging.String(logging.FieldEventType, "job_failed"),
	)
	switch failure.Kind {
	case services.KindCanceled, services.KindInterrupted:
		logger.Info("job stopped", logging.Args(attrs...)...)
	default:
		attrs = append(attrs, logging.Alert("job_failure"))
		logger.Error("job failed", logging.Args(attrs...)...)
	}

	if perr := o.persist(ctx, j); perr != nil {
		logger.Error("failed to persist job failure", logging.Args(logging.ErrorAttrs(perr)...)...)
	}
}

// persist writes the full snapshot and publishes it. It outlives ctx
// cancellation so terminal states are always recorded.
func (o *Orchestrator) persist(ctx context.Context, j *job.Job) error {
	j.RefreshProgress(o.weights)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.Put(writeCtx, j, o.now()); err != nil {
		kind := services.KindInternal
		if errors.Is(err, jobstore.ErrNotFound) {
			kind = services.KindNotFound
		}
		return services.Wrap(kind, "jobstore", "put", "persist job", err)
	}
	o.hub.PublishJob(j)
	return nil
}
