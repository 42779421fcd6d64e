package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"conductor/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "conductor")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7590" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Store.Driver != config.StoreSQLite {
		t.Fatalf("expected sqlite default driver, got %q", cfg.Store.Driver)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout() != 300*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Poller.InitialInterval() != 2*time.Second || cfg.Poller.MaxInterval() != 30*time.Second {
		t.Fatalf("unexpected poller defaults: %+v", cfg.Poller)
	}
	if !cfg.Pipeline.Idempotency {
		t.Fatal("expected idempotency enabled by default")
	}
	if cfg.Pipeline.RetainArtifacts() {
		t.Fatal("expected discard retention by default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.ArtifactDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "conductor.toml")

	type payload struct {
		Paths struct {
			DataDir string `toml:"data_dir"`
		} `toml:"paths"`
		Services struct {
			Download struct {
				URL string `toml:"url"`
			} `toml:"download"`
		} `toml:"services"`
		Pipeline struct {
			Retention    string             `toml:"retention"`
			StageWeights map[string]float64 `toml:"stage_weights"`
		} `toml:"pipeline"`
	}
	custom := payload{}
	custom.Paths.DataDir = filepath.Join(tempDir, "data")
	custom.Services.Download.URL = "http://download.internal:9000/"
	custom.Pipeline.Retention = "RETAIN"
	custom.Pipeline.StageWeights = map[string]float64{"Transcription": 2}

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom path to resolve, got %q exists=%v", resolved, exists)
	}
	if cfg.Services.Download.URL != "http://download.internal:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Services.Download.URL)
	}
	if !cfg.Pipeline.RetainArtifacts() {
		t.Fatalf("expected retain policy, got %q", cfg.Pipeline.Retention)
	}
	if cfg.Pipeline.StageWeights["transcription"] != 2 {
		t.Fatalf("expected lowercased stage weight key, got %v", cfg.Pipeline.StageWeights)
	}
	if cfg.SQLitePath() != filepath.Join(tempDir, "data", "conductor.db") {
		t.Fatalf("unexpected sqlite path %q", cfg.SQLitePath())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CONDUCTOR_TRANSCRIPTION_URL", "https://asr.example.com")
	t.Setenv("CONDUCTOR_POSTGRES_DSN", "postgres://u:p@localhost/conductor")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Services.Transcription.URL != "https://asr.example.com" {
		t.Fatalf("expected env override, got %q", cfg.Services.Transcription.URL)
	}
	if cfg.Store.DSN != "postgres://u:p@localhost/conductor" {
		t.Fatalf("expected dsn from env, got %q", cfg.Store.DSN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = config.StorePostgres }, "store.dsn"},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"relative url", func(c *config.Config) { c.Services.Normalization.URL = "normalize" }, "services.normalization.url"},
		{"zero threshold", func(c *config.Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"jitter too large", func(c *config.Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"poll interval inverted", func(c *config.Config) { c.Poller.InitialIntervalMillis = 60_000 }, "poller.initial_interval_ms"},
		{"bad retention", func(c *config.Config) { c.Pipeline.Retention = "forever" }, "pipeline.retention"},
		{"unknown weight", func(c *config.Config) { c.Pipeline.StageWeights = map[string]float64{"encode": 1} }, "unknown stage"},
		{"no concurrency", func(c *config.Config) { c.Pipeline.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	t.Setenv("HOME", t.TempDir())
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.Pipeline.MaxConcurrentJobs != config.Default().Pipeline.MaxConcurrentJobs {
		t.Fatalf("unexpected max concurrent jobs %d", cfg.Pipeline.MaxConcurrentJobs)
	}
}
