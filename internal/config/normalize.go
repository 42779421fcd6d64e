package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStore()
	c.normalizeServices()
	c.normalizeResilience()
	c.normalizePipeline()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		c.Paths.ArtifactDir = defaultArtifactDir
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeStore() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	if c.Store.DSN == "" {
		if value, ok := os.LookupEnv("CONDUCTOR_POSTGRES_DSN"); ok {
			c.Store.DSN = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeServices() {
	normalizeEndpoint(&c.Services.Download, "CONDUCTOR_DOWNLOAD_URL")
	normalizeEndpoint(&c.Services.Normalization, "CONDUCTOR_NORMALIZATION_URL")
	normalizeEndpoint(&c.Services.Transcription, "CONDUCTOR_TRANSCRIPTION_URL")
}

func normalizeEndpoint(e *Endpoint, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		e.URL = value
	}
	e.URL = strings.TrimRight(strings.TrimSpace(e.URL), "/")
	if e.RequestTimeoutSeconds <= 0 {
		e.RequestTimeoutSeconds = defaultRequestTimeout
	}
}

func (c *Config) normalizeResilience() {
	if c.Breaker.HalfOpenMaxProbes <= 0 {
		c.Breaker.HalfOpenMaxProbes = defaultHalfOpenMaxProbes
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Poller.GrowEvery <= 0 {
		c.Poller.GrowEvery = defaultGrowEvery
	}
	if c.Poller.NotFoundGrace < 0 {
		c.Poller.NotFoundGrace = 0
	}
	if c.Poller.MaxConsecutiveErrors <= 0 {
		c.Poller.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if c.Poller.TimeoutSeconds < 0 {
		c.Poller.TimeoutSeconds = 0
	}
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Retention = strings.ToLower(strings.TrimSpace(c.Pipeline.Retention))
	if c.Pipeline.Retention == "" {
		c.Pipeline.Retention = defaultRetention
	}
	if c.Pipeline.CleanupIntervalSeconds <= 0 {
		c.Pipeline.CleanupIntervalSeconds = defaultCleanupInterval
	}
	if c.Pipeline.HealthCheckIntervalSeconds <= 0 {
		c.Pipeline.HealthCheckIntervalSeconds = defaultHealthCheckInterval
	}
	if len(c.Pipeline.StageWeights) > 0 {
		weights := make(map[string]float64, len(c.Pipeline.StageWeights))
		for name, weight := range c.Pipeline.StageWeights {
			weights[strings.ToLower(strings.TrimSpace(name))] = weight
		}
		c.Pipeline.StageWeights = weights
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
