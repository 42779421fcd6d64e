package job

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition marks a mutation that would violate the state machine.
var ErrInvalidTransition = errors.New("invalid job transition")

var transitions = map[Status][]Status{
	StatusQueued:       {StatusDownloading, StatusFailed},
	StatusDownloading:  {StatusNormalizing, StatusFailed},
	StatusNormalizing:  {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (j *Job) moveTo(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now.UTC()
	return nil
}

// StartStage marks stage running. The previous stage must be completed and no
// other stage may be running.
func (j *Job) StartStage(stage Stage, now time.Time) error {
	if running, ok := j.RunningStage(); ok {
		return fmt.Errorf("%w: stage %s already running", ErrInvalidTransition, running)
	}
	if prev, ok := stage.Previous(); ok && j.Stage(prev).Status != StageCompleted {
		return fmt.Errorf("%w: %s not completed before %s", ErrInvalidTransition, prev, stage)
	}
	if err := j.moveTo(stage.ActiveStatus(), now); err != nil {
		return err
	}
	started := now.UTC()
	record := j.Stage(stage)
	record.Status = StageRunning
	record.StartedAt = &started
	record.Progress = 0
	return nil
}

// RecordSubmission stores the remote id assigned by the stage service.
func (j *Job) RecordSubmission(stage Stage, remoteJobID string, now time.Time) {
	j.Stage(stage).RemoteJobID = remoteJobID
	j.UpdatedAt = now.UTC()
}

// UpdateProgress records stage progress, clamped to 0..100 and never
// decreasing while the stage runs.
func (j *Job) UpdateProgress(stage Stage, percent float64, now time.Time) bool {
	record := j.Stage(stage)
	if record.Status != StageRunning {
		return false
	}
	percent = clampPercent(percent)
	if percent <= record.Progress {
		return false
	}
	record.Progress = percent
	j.UpdatedAt = now.UTC()
	return true
}

// CompleteStage marks the running stage completed with its output.
func (j *Job) CompleteStage(stage Stage, output StageOutput, now time.Time) error {
	record := j.Stage(stage)
	if record.Status != StageRunning {
		return fmt.Errorf("%w: stage %s is %s, not running", ErrInvalidTransition, stage, record.Status)
	}
	done := now.UTC()
	record.Status = StageCompleted
	record.Progress = 100
	record.CompletedAt = &done
	if output.RemoteJobID != "" {
		record.RemoteJobID = output.RemoteJobID
	}
	record.Output = cloneRaw(output.Result)
	record.ArtifactURL = output.ArtifactURL
	j.UpdatedAt = done
	return nil
}

// Complete moves a job whose stages all completed to completed.
func (j *Job) Complete(result Result, now time.Time) error {
	for _, stage := range stageOrder {
		if j.Stage(stage).Status != StageCompleted {
			return fmt.Errorf("%w: stage %s not completed", ErrInvalidTransition, stage)
		}
	}
	if err := j.moveTo(StatusCompleted, now); err != nil {
		return err
	}
	j.Result = &result
	j.Error = nil
	j.markCompleted(now)
	return nil
}

// Fail moves a non-terminal job to failed. The running stage, if any, is
// marked failed with the same message; otherwise a completed record of
// failure.Stage is.
func (j *Job) Fail(failure *Failure, now time.Time) error {
	if failure == nil {
		return errors.New("fail job: nil failure")
	}
	if err := j.moveTo(StatusFailed, now); err != nil {
		return err
	}
	if running, ok := j.RunningStage(); ok {
		if failure.Stage == "" {
			failure.Stage = running
		}
		j.Stage(running).markFailed(failure)
	} else if record, ok := j.Stages[failure.Stage]; ok && record != nil && record.Status == StageCompleted {
		// The stage finished remotely but its output could not be
		// consolidated, e.g. the final artifact fetch failed.
		record.markFailed(failure)
	}
	j.Error = failure
	j.Result = nil
	j.markCompleted(now)
	return nil
}

func (r *StageRecord) markFailed(failure *Failure) {
	r.Status = StageFailed
	r.Error = failure.Message
	r.ErrorKind = failure.Kind
}

// DiscardIntermediate clears every stage output except the final one.
func (j *Job) DiscardIntermediate() {
	final := stageOrder[len(stageOrder)-1]
	for name, record := range j.Stages {
		if name == final || record == nil {
			continue
		}
		record.Output = nil
		record.ArtifactPath = ""
	}
}

func (j *Job) markCompleted(now time.Time) {
	if j.CompletedAt != nil {
		return
	}
	done := now.UTC()
	j.CompletedAt = &done
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
