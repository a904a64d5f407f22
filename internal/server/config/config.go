// Package config contains all knobs and defaults used to configure the
// pipeline when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultGenerationWindow     = 24 * time.Hour
	DefaultAssemblyWindow       = 7 * 24 * time.Hour
	DefaultCacheCountTTL        = 30 * time.Second
	DefaultWarmParallelism      = 4
	DefaultWarmTargetDepth      = 10
	DefaultJobStaleAfter        = 10 * time.Minute
	DefaultJobFailureTolerance  = 2
	DefaultJobMaxUnits          = 50
	DefaultJobRunTimeout        = 15 * time.Minute
	DefaultGeneratorMaxAttempts = 30 * time.Second
)

// DatastoreMetricsConfig defines whether datastore metrics are exported.
type DatastoreMetricsConfig struct {
	Enabled bool
}

// DatastoreConfig defines settings for the persistence engine.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'postgres', 'sqlite')
	Engine   string
	URI      string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in
	// the idle connection pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration

	Metrics DatastoreMetricsConfig
}

// HTTPConfig defines settings for the HTTP server.
type HTTPConfig struct {
	Addr string

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// GeneratorConfig defines settings for the completion provider.
type GeneratorConfig struct {
	Model   string
	APIKey  string
	BaseURL string

	// MaxRetryElapsed bounds how long one generation may spend retrying
	// transient provider failures.
	MaxRetryElapsed time.Duration
}

// QuotaConfig defines the windows used when metering requests.
type QuotaConfig struct {
	GenerationWindow time.Duration
	AssemblyWindow   time.Duration
}

// CacheConfig defines settings for the artifact pool cache.
type CacheConfig struct {
	// CountTTL bounds how stale the cached pool depth may be.
	CountTTL time.Duration

	// WarmParallelism caps concurrent warm work across pool keys.
	WarmParallelism int

	// WarmTargetDepth is the pool depth warm runs aim for when the request
	// does not say.
	WarmTargetDepth int64
}

// JobsConfig defines settings for assembly job execution.
type JobsConfig struct {
	// StaleAfter is how long a non-terminal job may sit without a progress
	// write before status reads report it failed.
	StaleAfter time.Duration

	// FailureTolerance is how many units may fail before the whole job is
	// marked failed.
	FailureTolerance int

	// MaxUnits bounds the size of a single job.
	MaxUnits int

	// RunTimeout bounds a single background run end to end.
	RunTimeout time.Duration
}

// LogConfig defines log settings. For production we recommend the 'json'
// format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
}

// MetricConfig defines settings for serving Prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Datastore DatastoreConfig
	HTTP      HTTPConfig
	Generator GeneratorConfig
	Quota     QuotaConfig
	Cache     CacheConfig
	Jobs      JobsConfig
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
}

func (cfg *Config) Verify() error {
	switch cfg.Datastore.Engine {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("config 'datastore.engine' must be one of ['memory', 'postgres', 'sqlite'], got %q", cfg.Datastore.Engine)
	}
	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required for the %q engine", cfg.Datastore.Engine)
	}

	if cfg.Quota.GenerationWindow <= 0 || cfg.Quota.AssemblyWindow <= 0 {
		return errors.New("config quota windows must be positive durations")
	}
	if cfg.Cache.WarmTargetDepth < 0 {
		return errors.New("config 'cache.warmTargetDepth' must not be negative")
	}
	if cfg.Jobs.MaxUnits <= 0 {
		return errors.New("config 'jobs.maxUnits' must be positive")
	}

	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json'], got %q", cfg.Log.Format)
	}
	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal'], got %q", cfg.Log.Level)
	}

	return nil
}

// DefaultConfig is the pipeline server default configurations.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxIdleConns: 10,
			MaxOpenConns: 30,
		},
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:8080",
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Generator: GeneratorConfig{
			Model:           "gpt-4o-mini",
			MaxRetryElapsed: DefaultGeneratorMaxAttempts,
		},
		Quota: QuotaConfig{
			GenerationWindow: DefaultGenerationWindow,
			AssemblyWindow:   DefaultAssemblyWindow,
		},
		Cache: CacheConfig{
			CountTTL:        DefaultCacheCountTTL,
			WarmParallelism: DefaultWarmParallelism,
			WarmTargetDepth: DefaultWarmTargetDepth,
		},
		Jobs: JobsConfig{
			StaleAfter:       DefaultJobStaleAfter,
			FailureTolerance: DefaultJobFailureTolerance,
			MaxUnits:         DefaultJobMaxUnits,
			RunTimeout:       DefaultJobRunTimeout,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled:     false,
			OTLP:        OTLPTraceConfig{Endpoint: "0.0.0.0:4317"},
			SampleRatio: 0.2,
			ServiceName: "genpipe",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
	}
}
