// Package jobstore persists pipeline Job records.
//
// Each job is stored as one row holding the serialized Job JSON plus indexed
// columns for status, idempotency key and timestamps. The SQLite adapter is
// the default and keeps a single file under paths.data_dir; the Postgres
// adapter (pgxpool) lets several processes share history. Both reject updates
// to records past their expiry with ErrExpired.
package jobstore
