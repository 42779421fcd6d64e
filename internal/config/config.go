package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	APIBind     string `toml:"api_bind"`
}

// Store selects the job store backend.
type Store struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `toml:"driver"`
	// DSN is the postgres connection string. Ignored for sqlite, which lives
	// under paths.data_dir.
	DSN string `toml:"dsn"`
}

// Endpoint describes one downstream stage service.
type Endpoint struct {
	URL                   string `toml:"url"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Services groups the three stage service endpoints.
type Services struct {
	Download      Endpoint `toml:"download"`
	Normalization Endpoint `toml:"normalization"`
	Transcription Endpoint `toml:"transcription"`
}

// Breaker contains circuit breaker thresholds shared by every target.
type Breaker struct {
	FailureThreshold       int `toml:"failure_threshold"`
	RecoveryTimeoutSeconds int `toml:"recovery_timeout_seconds"`
	HalfOpenMaxProbes      int `toml:"half_open_max_probes"`
}

// Retry contains the backoff policy for submissions and artifact fetches.
type Retry struct {
	MaxRetries      int     `toml:"max_retries"`
	BaseDelayMillis int     `toml:"base_delay_ms"`
	MaxDelaySeconds int     `toml:"max_delay_seconds"`
	Jitter          float64 `toml:"jitter"`
}

// Poller contains the adaptive status polling schedule.
type Poller struct {
	InitialIntervalMillis int `toml:"initial_interval_ms"`
	MaxIntervalSeconds    int `toml:"max_interval_seconds"`
	GrowEvery             int `toml:"grow_every"`
	MaxAttempts           int `toml:"max_attempts"`
	NotFoundGrace         int `toml:"not_found_grace"`
	MaxConsecutiveErrors  int `toml:"max_consecutive_errors"`
	TimeoutSeconds        int `toml:"timeout_seconds"`
}

// Pipeline contains orchestration limits and policies.
type Pipeline struct {
	MaxConcurrentJobs          int                `toml:"max_concurrent_jobs"`
	StageTimeoutSeconds        int                `toml:"stage_timeout_seconds"`
	PipelineTimeoutSeconds     int                `toml:"pipeline_timeout_seconds"`
	JobTTLHours                int                `toml:"job_ttl_hours"`
	Idempotency                bool               `toml:"idempotency"`
	Retention                  string             `toml:"retention"`
	FetchFinalArtifact         bool               `toml:"fetch_final_artifact"`
	StageWeights               map[string]float64 `toml:"stage_weights"`
	CleanupIntervalSeconds     int                `toml:"cleanup_interval_seconds"`
	HealthCheckIntervalSeconds int                `toml:"health_check_interval_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Conductor.
//
// Configuration sections by subsystem:
//   - Paths: data, log and artifact directories plus the API bind address
//   - Store: job store driver and connection string
//   - Services: stage service endpoints and per-call timeouts
//   - Breaker, Retry, Poller: the resilience layer
//   - Pipeline: concurrency, timeouts, TTL, idempotency and retention
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Store    Store    `toml:"store"`
	Services Services `toml:"services"`
	Breaker  Breaker  `toml:"breaker"`
	Retry    Retry    `toml:"retry"`
	Poller   Poller   `toml:"poller"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conductor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conductor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ArtifactDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SQLitePath returns the job store database file used by the sqlite driver.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Paths.DataDir, "conductor.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "conductord.lock")
}

// Endpoint returns the configured endpoint for a stage name.
func (c *Config) Endpoint(stage string) (Endpoint, bool) {
	switch stage {
	case "download":
		return c.Services.Download, true
	case "normalization":
		return c.Services.Normalization, true
	case "transcription":
		return c.Services.Transcription, true
	default:
		return Endpoint{}, false
	}
}

// RequestTimeout returns the per-HTTP-call timeout for the endpoint.
func (e Endpoint) RequestTimeout() time.Duration {
	return seconds(e.RequestTimeoutSeconds)
}

// RecoveryTimeout returns how long an open circuit rejects calls.
func (b Breaker) RecoveryTimeout() time.Duration {
	return seconds(b.RecoveryTimeoutSeconds)
}

// BaseDelay returns the first retry delay before jitter.
func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMillis) * time.Millisecond
}

// MaxDelay returns the retry delay cap.
func (r Retry) MaxDelay() time.Duration {
	return seconds(r.MaxDelaySeconds)
}

// InitialInterval returns the first poll interval.
func (p Poller) InitialInterval() time.Duration {
	return time.Duration(p.InitialIntervalMillis) * time.Millisecond
}

// MaxInterval returns the poll interval cap.
func (p Poller) MaxInterval() time.Duration {
	return seconds(p.MaxIntervalSeconds)
}

// Timeout returns the wall-clock polling budget. Zero disables it.
func (p Poller) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

func (p Pipeline) StageTimeout() time.Duration    { return seconds(p.StageTimeoutSeconds) }
func (p Pipeline) PipelineTimeout() time.Duration { return seconds(p.PipelineTimeoutSeconds) }
func (p Pipeline) JobTTL() time.Duration          { return time.Duration(p.JobTTLHours) * time.Hour }
func (p Pipeline) CleanupInterval() time.Duration { return seconds(p.CleanupIntervalSeconds) }

func (p Pipeline) HealthCheckInterval() time.Duration {
	return seconds(p.HealthCheckIntervalSeconds)
}

// RetainArtifacts reports whether every stage artifact is kept locally.
func (p Pipeline) RetainArtifacts() bool {
	return p.Retention == RetentionRetain
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
