// Package daemon coordinates the long-running Conductor process.
//
// It wires the orchestrator, the control API server and two maintenance
// loops into a single lifecycle, with flock-based locking to prevent
// multiple instances sharing one data directory. On start it fails jobs a
// previous process left unfinished and probes stage health once; afterwards
// the sweeper purges expired jobs and the health monitor refreshes the
// cached stage health on their configured intervals.
//
// Keep orchestration logic in the orchestrator package: the daemon focuses on
// startup, shutdown and high level coordination.
package daemon
