// Package logging assembles structured slog loggers and formatting helpers used
// across Conductor.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so orchestration code can
// automatically tag log lines with job IDs, stages, downstream targets, and
// correlation IDs. The package also provides a no-op logger for tests and
// wiring code that cannot fail.
package logging
