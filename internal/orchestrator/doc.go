// Package orchestrator drives pipeline jobs through the download,
// normalization and transcription stage services.
//
// Every submitted job gets its own goroutine, registered in a task table so
// it can be canceled individually or interrupted on shutdown. A weighted
// semaphore bounds how many jobs run at once; the rest wait in the queued
// state and are admitted oldest first. Within a job, stages run strictly in order and each one hands its
// remote job id, result payload and artifact URL to the next. The full job
// snapshot is persisted and published after every mutation.
//
// Failures are fail-fast: the first stage error fails the job with the
// error's kind. Context causes carry the kind of cancellations (canceled,
// interrupted) and budget overruns (poll_timeout) into the job record.
package orchestrator
