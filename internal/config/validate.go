package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validatePoller(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreSQLite:
		return nil
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required when store.driver is postgres (or set CONDUCTOR_POSTGRES_DSN)")
		}
		return nil
	default:
		return fmt.Errorf("store.driver: unsupported value %q (use sqlite or postgres)", c.Store.Driver)
	}
}

func (c *Config) validateServices() error {
	for _, name := range StageNames {
		endpoint, _ := c.Endpoint(name)
		if endpoint.URL == "" {
			return fmt.Errorf("services.%s.url must be set", name)
		}
		parsed, err := url.Parse(endpoint.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("services.%s.url must be an absolute http(s) URL, got %q", name, endpoint.URL)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("services.%s.url must use http or https, got %q", name, parsed.Scheme)
		}
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeoutSeconds <= 0 {
		return errors.New("breaker.recovery_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.BaseDelayMillis <= 0 {
		return errors.New("retry.base_delay_ms must be positive")
	}
	if c.Retry.MaxDelaySeconds <= 0 {
		return errors.New("retry.max_delay_seconds must be positive")
	}
	if c.Retry.BaseDelay() > c.Retry.MaxDelay() {
		return errors.New("retry.base_delay_ms must not exceed retry.max_delay_seconds")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validatePoller() error {
	if c.Poller.InitialIntervalMillis <= 0 {
		return errors.New("poller.initial_interval_ms must be positive")
	}
	if c.Poller.MaxIntervalSeconds <= 0 {
		return errors.New("poller.max_interval_seconds must be positive")
	}
	if c.Poller.InitialInterval() > c.Poller.MaxInterval() {
		return errors.New("poller.initial_interval_ms must not exceed poller.max_interval_seconds")
	}
	if c.Poller.MaxAttempts <= 0 {
		return errors.New("poller.max_attempts must be positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MaxConcurrentJobs <= 0 {
		return errors.New("pipeline.max_concurrent_jobs must be positive")
	}
	if c.Pipeline.StageTimeoutSeconds < 0 || c.Pipeline.PipelineTimeoutSeconds < 0 {
		return errors.New("pipeline timeouts must not be negative")
	}
	if c.Pipeline.JobTTLHours <= 0 {
		return errors.New("pipeline.job_ttl_hours must be positive")
	}
	switch c.Pipeline.Retention {
	case RetentionDiscard, RetentionRetain:
	default:
		return fmt.Errorf("pipeline.retention: unsupported value %q (use discard or retain)", c.Pipeline.Retention)
	}
	total := 0.0
	for name, weight := range c.Pipeline.StageWeights {
		if !slices.Contains(StageNames, name) {
			return fmt.Errorf("pipeline.stage_weights: unknown stage %q", name)
		}
		if weight < 0 {
			return fmt.Errorf("pipeline.stage_weights.%s must not be negative", name)
		}
		total += weight
	}
	if len(c.Pipeline.StageWeights) > 0 && total <= 0 {
		return errors.New("pipeline.stage_weights must sum to a positive value")
	}
	return nil
}
