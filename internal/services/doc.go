// Package services defines shared utilities consumed by the orchestrator, the
// stage clients, and the control API.
//
// Key responsibilities:
//   - Context helpers that stamp pipeline job IDs, stage names, downstream
//     targets, and correlation identifiers for logging.
//   - The closed error taxonomy (Kind) plus the Wrap helper that tags failures
//     so the orchestrator can record an actionable category on the job.
//   - HTTP status classification shared by every component that talks to a
//     stage service.
//
// Use these helpers when wiring new components so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
