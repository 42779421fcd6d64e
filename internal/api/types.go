package api

import (
	"conductor/internal/breaker"
	"conductor/internal/job"
	"conductor/internal/services"
	"conductor/internal/stage"
)

// SubmitRequest is the body of POST /pipeline.
type SubmitRequest struct {
	Input job.Input `json:"input"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Existing bool       `json:"existing,omitempty"`
}

// JobListResponse wraps a page of job summaries.
type JobListResponse struct {
	Jobs []job.Summary `json:"jobs"`
}

// PurgeResponse reports how many expired jobs were deleted.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

// ResetResponse reports how many jobs a full reset removed.
type ResetResponse struct {
	Removed int `json:"removed"`
}

// BreakerResetResponse confirms a breaker reset.
type BreakerResetResponse struct {
	Target string        `json:"target"`
	State  breaker.State `json:"state"`
}

// StatusResponse is the operational summary served by GET /status.
type StatusResponse struct {
	Running    bool                    `json:"running"`
	ActiveJobs int                     `json:"active_jobs"`
	JobStats   map[job.Status]int      `json:"job_stats"`
	Breakers   []breaker.Snapshot      `json:"breakers"`
	Health     map[string]stage.Health `json:"health"`
	LastError  string                  `json:"last_error,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string        `json:"error"`
	Kind  services.Kind `json:"kind"`
}
