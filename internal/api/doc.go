// Package api serves the orchestrator control API over HTTP.
//
// # Routes
//
//	POST /pipeline                       submit {input}; 202 new, 200 existing
//	GET  /jobs                           recent summaries (?limit=&status=)
//	GET  /jobs/{job_id}                  full job snapshot
//	POST /jobs/{job_id}/cancel           cancel a queued or running job
//	POST /admin/purge                    delete expired jobs
//	POST /admin/breakers/{target}/reset  close one breaker
//	POST /admin/reset                    cancel everything and wipe the store
//	GET  /status                         breakers, cached health, job counts
//	GET  /ws                             websocket stream of job snapshots
//
// Errors are JSON objects carrying the message and the services.Kind; the
// HTTP status is derived from the kind by StatusFor.
//
// The package depends only on the Pipeline interface so handlers can be
// tested against a stub. The payload types in types.go are shared with the
// CLI client.
package api
