// Package breaker implements the per-target circuit breaker used in front of
// every stage service, plus the Registry that owns one breaker per target.
package breaker
