// Package stageclient talks to one downstream stage service over HTTP.
//
// Every call goes through the target's circuit breaker. Submissions and
// artifact fetches are retried with exponential backoff when the failure is
// transient; status reads are left to the poller, which has its own tolerance
// for errors. Responses are mapped onto the services error kinds: 404 is
// not_found, other 4xx are client errors, and 5xx, 408, 429 and network
// failures are transient.
package stageclient
