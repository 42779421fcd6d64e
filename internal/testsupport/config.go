package testsupport

import (
	"path/filepath"
	"testing"

	"conductor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Resilience timings are shortened so tests never wait on real backoff.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Retry.BaseDelayMillis = 1
	cfgVal.Retry.MaxDelaySeconds = 1
	cfgVal.Poller.InitialIntervalMillis = 1
	cfgVal.Poller.MaxIntervalSeconds = 1
	cfgVal.Pipeline.CleanupIntervalSeconds = 1
	cfgVal.Pipeline.HealthCheckIntervalSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithStageURLs points the three stage endpoints at the given base URLs.
func WithStageURLs(download, normalization, transcription string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Services.Download.URL = download
		b.cfg.Services.Normalization.URL = normalization
		b.cfg.Services.Transcription.URL = transcription
	}
}

// WithRetention sets the artifact retention policy.
func WithRetention(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Retention = policy
	}
}

// WithConfig applies an arbitrary mutation.
func WithConfig(mutate func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		mutate(b.cfg)
	}
}
