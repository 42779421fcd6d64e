package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/job"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conductor_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    idempotency_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conductor_jobs_status ON conductor_jobs(status);
CREATE INDEX IF NOT EXISTS idx_conductor_jobs_idempotency_key ON conductor_jobs(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_conductor_jobs_created_at ON conductor_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_conductor_jobs_expires_at ON conductor_jobs(expires_at);
`

const pgUniqueViolation = "23505"

// PostgresStore persists jobs in a shared Postgres database so several
// conductor processes can read the same history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the jobs table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres store: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, j *job.Job) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conductor_jobs (id, status, idempotency_key, created_at, updated_at, expires_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.id, rec.status, rec.idempotencyKey, rec.createdAt, rec.updatedAt, rec.expiresAt, string(rec.data),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrExists, rec.id)
		}
		return fmt.Errorf("insert job %s: %w", rec.id, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, j *job.Job, now time.Time) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conductor_jobs SET status = $1, idempotency_key = $2, updated_at = $3, expires_at = $4, data = $5
		 WHERE id = $6 AND expires_at > $7`,
		rec.status, rec.idempotencyKey, rec.updatedAt, rec.expiresAt, string(rec.data), rec.id, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", rec.id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM conductor_jobs WHERE id = $1)", rec.id).Scan(&exists); err != nil {
		return fmt.Errorf("check job %s: %w", rec.id, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExpired, rec.id)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, rec.id)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.scanOne(ctx, "SELECT data FROM conductor_jobs WHERE id = $1", id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

func (s *PostgresStore) FindActiveByKey(ctx context.Context, key string, now time.Time) (*job.Job, error) {
	j, err := s.scanOne(ctx,
		`SELECT data FROM conductor_jobs
		 WHERE idempotency_key = $1 AND status <> $2 AND expires_at > $3
		 ORDER BY created_at DESC LIMIT 1`,
		key, string(job.StatusFailed), now.UTC(),
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*job.Job, error) {
	if statuses := filter.statuses(); len(statuses) > 0 {
		return s.queryJobs(ctx,
			"SELECT data FROM conductor_jobs WHERE status = ANY($1) ORDER BY created_at DESC, id DESC LIMIT $2",
			statuses, filter.limit(),
		)
	}
	return s.queryJobs(ctx,
		"SELECT data FROM conductor_jobs ORDER BY created_at DESC, id DESC LIMIT $1",
		filter.limit(),
	)
}

func (s *PostgresStore) ListUnfinished(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx,
		"SELECT data FROM conductor_jobs WHERE status NOT IN ($1, $2) ORDER BY created_at",
		string(job.StatusCompleted), string(job.StatusFailed),
	)
}

func (s *PostgresStore) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(1) FROM conductor_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[job.Status(status)] = count
	}
	return stats, rows.Err()
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.deleteReturning(ctx, "DELETE FROM conductor_jobs WHERE expires_at <= $1 RETURNING id", now.UTC())
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) ([]string, error) {
	ids, err := s.deleteReturning(ctx, "DELETE FROM conductor_jobs RETURNING id")
	if err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) deleteReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, args ...any) (*job.Job, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&data); err != nil {
		return nil, err
	}
	return job.Decode(data)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		j, err := job.Decode(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
