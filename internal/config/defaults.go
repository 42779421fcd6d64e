package config

const (
	defaultDataDir     = "~/.local/share/conductor"
	defaultLogDir      = "~/.local/share/conductor/logs"
	defaultArtifactDir = "~/.local/share/conductor/artifacts"
	defaultAPIBind     = "127.0.0.1:7590"

	defaultStoreDriver = StoreSQLite

	defaultDownloadURL      = "http://127.0.0.1:8001"
	defaultNormalizationURL = "http://127.0.0.1:8002"
	defaultTranscriptionURL = "http://127.0.0.1:8003"
	defaultRequestTimeout   = 30

	defaultFailureThreshold  = 5
	defaultRecoveryTimeout   = 300
	defaultHalfOpenMaxProbes = 1

	defaultMaxRetries   = 5
	defaultBaseDelayMs  = 1000
	defaultMaxDelaySecs = 60
	defaultJitter       = 0.2

	defaultInitialIntervalMs    = 2000
	defaultMaxIntervalSeconds   = 30
	defaultGrowEvery            = 10
	defaultMaxAttempts          = 600
	defaultNotFoundGrace        = 5
	defaultMaxConsecutiveErrors = 5
	defaultPollTimeoutSeconds   = 0

	defaultMaxConcurrentJobs   = 4
	defaultStageTimeout        = 3600
	defaultPipelineTimeout     = 3 * 3600
	defaultJobTTLHours         = 24
	defaultRetention           = RetentionDiscard
	defaultCleanupInterval     = 300
	defaultHealthCheckInterval = 60

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Artifact retention policies.
const (
	RetentionDiscard = "discard"
	RetentionRetain  = "retain"
)

// StageNames lists the pipeline stages in execution order.
var StageNames = []string{"download", "normalization", "transcription"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
			APIBind:     defaultAPIBind,
		},
		Store: Store{
			Driver: defaultStoreDriver,
		},
		Services: Services{
			Download:      Endpoint{URL: defaultDownloadURL, RequestTimeoutSeconds: defaultRequestTimeout},
			Normalization: Endpoint{URL: defaultNormalizationURL, RequestTimeoutSeconds: defaultRequestTimeout},
			Transcription: Endpoint{URL: defaultTranscriptionURL, RequestTimeoutSeconds: defaultRequestTimeout},
		},
		Breaker: Breaker{
			FailureThreshold:       defaultFailureThreshold,
			RecoveryTimeoutSeconds: defaultRecoveryTimeout,
			HalfOpenMaxProbes:      defaultHalfOpenMaxProbes,
		},
		Retry: Retry{
			MaxRetries:      defaultMaxRetries,
			BaseDelayMillis: defaultBaseDelayMs,
			MaxDelaySeconds: defaultMaxDelaySecs,
			Jitter:          defaultJitter,
		},
		Poller: Poller{
			InitialIntervalMillis: defaultInitialIntervalMs,
			MaxIntervalSeconds:    defaultMaxIntervalSeconds,
			GrowEvery:             defaultGrowEvery,
			MaxAttempts:           defaultMaxAttempts,
			NotFoundGrace:         defaultNotFoundGrace,
			MaxConsecutiveErrors:  defaultMaxConsecutiveErrors,
			TimeoutSeconds:        defaultPollTimeoutSeconds,
		},
		Pipeline: Pipeline{
			MaxConcurrentJobs:          defaultMaxConcurrentJobs,
			StageTimeoutSeconds:        defaultStageTimeout,
			PipelineTimeoutSeconds:     defaultPipelineTimeout,
			JobTTLHours:                defaultJobTTLHours,
			Idempotency:                true,
			Retention:                  defaultRetention,
			FetchFinalArtifact:         true,
			CleanupIntervalSeconds:     defaultCleanupInterval,
			HealthCheckIntervalSeconds: defaultHealthCheckInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
