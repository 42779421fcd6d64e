// Package retry holds the exponential backoff policy applied to stage service
// submissions and artifact fetches.
package retry
