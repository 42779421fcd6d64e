// Package config loads, normalizes, and validates Conductor configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// CONDUCTOR_POSTGRES_DSN and the per-stage service URLs. The Config type
// centralizes every knob the daemon and CLI need, including the circuit
// breaker, retry, and polling parameters of the resilience layer.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
