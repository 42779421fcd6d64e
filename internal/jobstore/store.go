package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/internal/config"
	"conductor/internal/job"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrExpired is returned when an update targets a record past expires_at.
	ErrExpired = errors.New("job record expired")
	// ErrExists is returned when Create collides with an existing id.
	ErrExists = errors.New("job already exists")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// Filter narrows List results.
type Filter struct {
	Limit  int
	Status []job.Status
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) statuses() []string {
	out := make([]string, 0, len(f.Status))
	for _, s := range f.Status {
		out = append(out, string(s))
	}
	return out
}

// Store persists Job records keyed by id. Implementations are safe for
// concurrent readers and one writer per id.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, j *job.Job) error
	// Put replaces an existing record. Records whose expires_at is at or
	// before now are rejected with ErrExpired.
	Put(ctx context.Context, j *job.Job, now time.Time) error
	Get(ctx context.Context, id string) (*job.Job, error)
	// FindActiveByKey returns the newest non-failed, unexpired job with the
	// given idempotency key, or ErrNotFound.
	FindActiveByKey(ctx context.Context, key string, now time.Time) (*job.Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, filter Filter) ([]*job.Job, error)
	// ListUnfinished returns every job whose status is not terminal.
	ListUnfinished(ctx context.Context) ([]*job.Job, error)
	Stats(ctx context.Context) (map[job.Status]int, error)
	// DeleteExpired removes records with expires_at <= now and returns
	// their ids.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
	DeleteAll(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.Store.DSN)
	case config.StoreSQLite, "":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
		return OpenSQLite(ctx, cfg.SQLitePath())
	default:
		return nil, fmt.Errorf("job store: unsupported driver %q", cfg.Store.Driver)
	}
}

// record is the row shape shared by every adapter.
type record struct {
	id             string
	status         string
	idempotencyKey string
	createdAt      time.Time
	updatedAt      time.Time
	expiresAt      time.Time
	data           []byte
}

func toRecord(j *job.Job) (record, error) {
	if j == nil || j.ID == "" {
		return record{}, errors.New("job store: job id is required")
	}
	data, err := j.Encode()
	if err != nil {
		return record{}, err
	}
	return record{
		id:             j.ID,
		status:         string(j.Status),
		idempotencyKey: j.IdempotencyKey,
		createdAt:      j.CreatedAt.UTC(),
		updatedAt:      j.UpdatedAt.UTC(),
		expiresAt:      j.ExpiresAt.UTC(),
		data:           data,
	}, nil
}
