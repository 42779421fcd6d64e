package stage

import (
	"context"
	"encoding/json"
	"io"
)

// Remote job states reported by stage services.
const (
	RemoteQueued     = "queued"
	RemoteProcessing = "processing"
	RemoteCompleted  = "completed"
	RemoteFailed     = "failed"
)

// Previous is the hand-off from the stage that ran before.
type Previous struct {
	Stage       string          `json:"stage"`
	RemoteJobID string          `json:"remote_job_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	ArtifactURL string          `json:"artifact_url,omitempty"`
}

// Submission is the body POSTed to a stage service's /jobs endpoint.
type Submission struct {
	PipelineJobID string          `json:"pipeline_job_id"`
	Stage         string          `json:"stage"`
	Input         json.RawMessage `json:"input"`
	Previous      *Previous       `json:"previous,omitempty"`
}

// Accepted is the stage service's reply to a submission.
type Accepted struct {
	RemoteJobID string `json:"remote_job_id"`
	Status      string `json:"status"`
}

// RemoteStatus is a stage service's view of one of its jobs.
type RemoteStatus struct {
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ArtifactURL string          `json:"artifact_url,omitempty"`
}

// Terminal reports whether the remote job finished.
func (s RemoteStatus) Terminal() bool {
	return s.Status == RemoteCompleted || s.Status == RemoteFailed
}

// Failed reports whether the remote job finished unsuccessfully.
func (s RemoteStatus) Failed() bool {
	return s.Status == RemoteFailed
}

// Running reports whether the remote side picked the job up.
func (s RemoteStatus) Running() bool {
	return s.Status == RemoteProcessing
}

// Client describes the contract the orchestrator needs from each stage service.
type Client interface {
	Name() string
	Submit(ctx context.Context, sub Submission) (string, error)
	AwaitCompletion(ctx context.Context, remoteJobID string, progress func(RemoteStatus)) (RemoteStatus, error)
	FetchArtifact(ctx context.Context, remoteJobID string, w io.Writer) (int64, error)
	HealthCheck(ctx context.Context) Health
}
