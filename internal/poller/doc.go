// Package poller waits for in-flight stage jobs by checking their status on a
// growing interval. It tolerates the brief window where a freshly submitted
// job is not yet visible, treats a job that disappears after it was seen as
// lost, and bounds every wait by attempts and wall-clock time.
package poller
