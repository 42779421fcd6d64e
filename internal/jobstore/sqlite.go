package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/job"
)

//go:embed schema.sql
var sqliteSchema string

// sqliteSchemaVersion is bumped whenever schema.sql changes. Older databases
// must be reset.
const sqliteSchemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteColumns = "data"

// SQLiteStore persists jobs in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating when needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (run 'conductor reset' or delete %s)",
			ErrSchemaMismatch, version, sqliteSchemaVersion, s.path)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Create inserts a new job.
func (s *SQLiteStore) Create(ctx context.Context, j *job.Job) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO jobs (id, status, idempotency_key, created_at, updated_at, expires_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.id, rec.status, rec.idempotencyKey,
		rec.createdAt.UnixNano(), rec.updatedAt.UnixNano(), rec.expiresAt.UnixNano(), string(rec.data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, rec.id)
		}
		return fmt.Errorf("insert job %s: %w", rec.id, err)
	}
	return nil
}

// Put replaces an existing job unless it has expired by now.
func (s *SQLiteStore) Put(ctx context.Context, j *job.Job, now time.Time) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, idempotency_key = ?, updated_at = ?, expires_at = ?, data = ?
		 WHERE id = ? AND expires_at > ?`,
		rec.status, rec.idempotencyKey, rec.updatedAt.UnixNano(), rec.expiresAt.UnixNano(), string(rec.data),
		rec.id, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", rec.id, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", rec.id).Scan(&exists); err != nil {
		return fmt.Errorf("check job %s: %w", rec.id, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrExpired, rec.id)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, rec.id)
}

// Get loads one job.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

// FindActiveByKey returns the newest reusable job for an idempotency key.
func (s *SQLiteStore) FindActiveByKey(ctx context.Context, key string, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteColumns+` FROM jobs
		 WHERE idempotency_key = ? AND status <> ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		key, string(job.StatusFailed), now.UnixNano(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// List returns jobs newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*job.Job, error) {
	query := "SELECT " + sqliteColumns + " FROM jobs"
	args := make([]any, 0, len(filter.Status)+1)
	if statuses := filter.statuses(); len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.limit())
	return s.queryJobs(ctx, query, args...)
}

// ListUnfinished returns every non-terminal job, oldest first.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx,
		"SELECT "+sqliteColumns+" FROM jobs WHERE status NOT IN (?, ?) ORDER BY created_at",
		string(job.StatusCompleted), string(job.StatusFailed),
	)
}

// Stats counts jobs by status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM jobs GROUP BY status")
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

// DeleteExpired removes jobs whose expiry is at or before now and returns
// their ids.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.deleteReturning(ctx, "DELETE FROM jobs WHERE expires_at <= ? RETURNING id", now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	return ids, nil
}

// DeleteAll removes every job and returns their ids.
func (s *SQLiteStore) DeleteAll(ctx context.Context) ([]string, error) {
	ids, err := s.deleteReturning(ctx, "DELETE FROM jobs RETURNING id")
	if err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) deleteReturning(ctx context.Context, query string, args ...any) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var data string
	if err := scanner.Scan(&data); err != nil {
		return nil, err
	}
	return job.Decode([]byte(data))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
