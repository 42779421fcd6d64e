package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"conductor/internal/services"
)

// Status represents the lifecycle of a pipeline job.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusNormalizing  Status = "normalizing"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusNormalizing,
	StatusTranscribing,
	StatusCompleted,
	StatusFailed,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageDownload      Stage = "download"
	StageNormalization Stage = "normalization"
	StageTranscription Stage = "transcription"
)

var stageOrder = []Stage{StageDownload, StageNormalization, StageTranscription}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// ActiveStatus is the job status while the stage runs.
func (s Stage) ActiveStatus() Status {
	switch s {
	case StageDownload:
		return StatusDownloading
	case StageNormalization:
		return StatusNormalizing
	case StageTranscription:
		return StatusTranscribing
	default:
		return ""
	}
}

// Previous returns the stage that must complete before s can start.
func (s Stage) Previous() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i > 0 {
			return stageOrder[i-1], true
		}
	}
	return "", false
}

// StageStatus tracks one stage of one job.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Input is the client request that started a job. It is immutable once the
// job exists.
type Input struct {
	SourceURL string            `json:"source_url"`
	Language  string            `json:"language,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Validate rejects inputs the pipeline cannot act on.
func (in Input) Validate() error {
	source := strings.TrimSpace(in.SourceURL)
	if source == "" {
		return services.Wrap(services.KindClient, "pipeline", "validate input", "source_url is required", nil)
	}
	parsed, err := url.Parse(source)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return services.Wrap(services.KindClient, "pipeline", "validate input", fmt.Sprintf("source_url %q is not an absolute URL", source), err)
	}
	return nil
}

// IdempotencyKey returns the hex SHA-256 of the canonical input encoding.
// encoding/json sorts map keys, so equal inputs hash equally.
func (in Input) IdempotencyKey() string {
	canonical := Input{
		SourceURL: strings.TrimSpace(in.SourceURL),
		Language:  strings.ToLower(strings.TrimSpace(in.Language)),
		Options:   in.Options,
	}
	if len(canonical.Options) == 0 {
		canonical.Options = nil
	}
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StageOutput is what a completed stage hands to the next one.
type StageOutput struct {
	Stage       Stage           `json:"stage"`
	RemoteJobID string          `json:"remote_job_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	ArtifactURL string          `json:"artifact_url,omitempty"`
}

// StageRecord is the per-stage slice of a job.
type StageRecord struct {
	Status       StageStatus     `json:"status"`
	RemoteJobID  string          `json:"remote_job_id,omitempty"`
	Progress     float64         `json:"progress"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    services.Kind   `json:"error_kind,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ArtifactURL  string          `json:"artifact_url,omitempty"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
}

// Result is the consolidated output of a completed job.
type Result struct {
	Text         string          `json:"text,omitempty"`
	Segments     json.RawMessage `json:"segments,omitempty"`
	Language     string          `json:"language,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
}

// Failure describes why a job failed.
type Failure struct {
	Stage     Stage         `json:"stage,omitempty"`
	Kind      services.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// NewFailure classifies err for the job record.
func NewFailure(stage Stage, err error) *Failure {
	detail := services.Details(err)
	kind := detail.Kind
	if kind == "" {
		kind = services.KindInternal
	}
	return &Failure{
		Stage:     stage,
		Kind:      kind,
		Message:   detail.Message,
		Retryable: services.RetryLater(kind),
	}
}

// Job is one end-to-end pipeline run.
type Job struct {
	ID              string                 `json:"id"`
	Input           Input                  `json:"input"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Status          Status                 `json:"status"`
	Stages          map[Stage]*StageRecord `json:"stages"`
	OverallProgress float64                `json:"overall_progress"`
	Result          *Result                `json:"result,omitempty"`
	Error           *Failure               `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ExpiresAt       time.Time              `json:"expires_at"`
}

// New creates a queued job with every stage pending.
func New(id string, input Input, now time.Time, ttl time.Duration) *Job {
	now = now.UTC()
	stages := make(map[Stage]*StageRecord, len(stageOrder))
	for _, stage := range stageOrder {
		stages[stage] = &StageRecord{Status: StagePending}
	}
	return &Job{
		ID:             id,
		Input:          input,
		IdempotencyKey: input.IdempotencyKey(),
		Status:         StatusQueued,
		Stages:         stages,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Input.Options != nil {
		cp.Input.Options = make(map[string]string, len(j.Input.Options))
		for k, v := range j.Input.Options {
			cp.Input.Options[k] = v
		}
	}
	cp.Stages = make(map[Stage]*StageRecord, len(j.Stages))
	for name, record := range j.Stages {
		if record == nil {
			continue
		}
		rc := *record
		rc.StartedAt = cloneTime(record.StartedAt)
		rc.CompletedAt = cloneTime(record.CompletedAt)
		rc.Output = cloneRaw(record.Output)
		cp.Stages[name] = &rc
	}
	if j.Result != nil {
		res := *j.Result
		res.Segments = cloneRaw(j.Result.Segments)
		res.Raw = cloneRaw(j.Result.Raw)
		cp.Result = &res
	}
	if j.Error != nil {
		failure := *j.Error
		cp.Error = &failure
	}
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return &cp
}

// Stage returns the record for a stage, creating a pending one when absent.
func (j *Job) Stage(stage Stage) *StageRecord {
	if j.Stages == nil {
		j.Stages = make(map[Stage]*StageRecord, len(stageOrder))
	}
	record, ok := j.Stages[stage]
	if !ok || record == nil {
		record = &StageRecord{Status: StagePending}
		j.Stages[stage] = record
	}
	return record
}

// RunningStage returns the stage currently running, if any.
func (j *Job) RunningStage() (Stage, bool) {
	for _, stage := range stageOrder {
		if record, ok := j.Stages[stage]; ok && record != nil && record.Status == StageRunning {
			return stage, true
		}
	}
	return "", false
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Expired reports whether the job is past its expiry at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// Summary is the list view of a job.
type Summary struct {
	ID              string        `json:"id"`
	Status          Status        `json:"status"`
	SourceURL       string        `json:"source_url"`
	OverallProgress float64       `json:"overall_progress"`
	ErrorKind       services.Kind `json:"error_kind,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Summarize returns the list view of the job.
func (j *Job) Summarize() Summary {
	s := Summary{
		ID:              j.ID,
		Status:          j.Status,
		SourceURL:       j.Input.SourceURL,
		OverallProgress: j.OverallProgress,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.Error != nil {
		s.ErrorKind = j.Error.Kind
	}
	return s
}

// Decode parses a serialized job record.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" {
		return nil, errors.New("decode job: missing id")
	}
	return &j, nil
}

// Encode serializes the job for persistence.
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return data, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
