package run

import (
	"github.com/spf13/cobra"

	"github.com/Affilience/genpipe/cmd/util"
	serverconfig "github.com/Affilience/genpipe/internal/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper
// flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory', 'postgres', 'sqlite')")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "GENPIPE_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "GENPIPE_DATASTORE_URI")

	flags.String("datastore-username", "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")
	util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
	util.MustBindEnv("datastore.username", "GENPIPE_DATASTORE_USERNAME")

	flags.String("datastore-password", "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")
	util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
	util.MustBindEnv("datastore.password", "GENPIPE_DATASTORE_PASSWORD")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "GENPIPE_DATASTORE_MAX_OPEN_CONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "GENPIPE_DATASTORE_MAX_IDLE_CONNS")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
	util.MustBindEnv("datastore.connMaxIdleTime", "GENPIPE_DATASTORE_CONN_MAX_IDLE_TIME")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "GENPIPE_DATASTORE_CONN_MAX_LIFETIME")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics for the datastore")
	util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metrics.enabled", "GENPIPE_DATASTORE_METRICS_ENABLED")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "GENPIPE_HTTP_ADDR")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "the allowed origins for CORS requests")
	util.MustBindPFlag("http.CORSAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
	util.MustBindEnv("http.CORSAllowedOrigins", "GENPIPE_HTTP_CORS_ALLOWED_ORIGINS")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "the allowed headers for CORS requests")
	util.MustBindPFlag("http.CORSAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
	util.MustBindEnv("http.CORSAllowedHeaders", "GENPIPE_HTTP_CORS_ALLOWED_HEADERS")

	flags.String("generator-model", defaultConfig.Generator.Model, "the completion model used to generate artifacts")
	util.MustBindPFlag("generator.model", flags.Lookup("generator-model"))
	util.MustBindEnv("generator.model", "GENPIPE_GENERATOR_MODEL")

	flags.String("generator-api-key", defaultConfig.Generator.APIKey, "the api key used to authenticate against the completion provider")
	util.MustBindPFlag("generator.apiKey", flags.Lookup("generator-api-key"))
	util.MustBindEnv("generator.apiKey", "GENPIPE_GENERATOR_API_KEY")

	flags.String("generator-base-url", defaultConfig.Generator.BaseURL, "an alternative base url for the completion provider")
	util.MustBindPFlag("generator.baseUrl", flags.Lookup("generator-base-url"))
	util.MustBindEnv("generator.baseUrl", "GENPIPE_GENERATOR_BASE_URL")

	flags.Duration("generator-max-retry-elapsed", defaultConfig.Generator.MaxRetryElapsed, "how long one generation may spend retrying transient provider failures")
	util.MustBindPFlag("generator.maxRetryElapsed", flags.Lookup("generator-max-retry-elapsed"))
	util.MustBindEnv("generator.maxRetryElapsed", "GENPIPE_GENERATOR_MAX_RETRY_ELAPSED")

	flags.Duration("quota-generation-window", defaultConfig.Quota.GenerationWindow, "the window size used when metering generation requests")
	util.MustBindPFlag("quota.generationWindow", flags.Lookup("quota-generation-window"))
	util.MustBindEnv("quota.generationWindow", "GENPIPE_QUOTA_GENERATION_WINDOW")

	flags.Duration("quota-assembly-window", defaultConfig.Quota.AssemblyWindow, "the window size used when metering assembly requests")
	util.MustBindPFlag("quota.assemblyWindow", flags.Lookup("quota-assembly-window"))
	util.MustBindEnv("quota.assemblyWindow", "GENPIPE_QUOTA_ASSEMBLY_WINDOW")

	flags.Duration("cache-count-ttl", defaultConfig.Cache.CountTTL, "how stale the cached pool depth may be")
	util.MustBindPFlag("cache.countTTL", flags.Lookup("cache-count-ttl"))
	util.MustBindEnv("cache.countTTL", "GENPIPE_CACHE_COUNT_TTL")

	flags.Int("cache-warm-parallelism", defaultConfig.Cache.WarmParallelism, "the maximum number of pool keys warmed concurrently")
	util.MustBindPFlag("cache.warmParallelism", flags.Lookup("cache-warm-parallelism"))
	util.MustBindEnv("cache.warmParallelism", "GENPIPE_CACHE_WARM_PARALLELISM")

	flags.Int64("cache-warm-target-depth", defaultConfig.Cache.WarmTargetDepth, "the pool depth warm runs aim for when the request does not say")
	util.MustBindPFlag("cache.warmTargetDepth", flags.Lookup("cache-warm-target-depth"))
	util.MustBindEnv("cache.warmTargetDepth", "GENPIPE_CACHE_WARM_TARGET_DEPTH")

	flags.Duration("jobs-stale-after", defaultConfig.Jobs.StaleAfter, "how long a job may sit without a progress write before status reads report it failed")
	util.MustBindPFlag("jobs.staleAfter", flags.Lookup("jobs-stale-after"))
	util.MustBindEnv("jobs.staleAfter", "GENPIPE_JOBS_STALE_AFTER")

	flags.Int("jobs-failure-tolerance", defaultConfig.Jobs.FailureTolerance, "how many assembly units may fail before the whole job is marked failed")
	util.MustBindPFlag("jobs.failureTolerance", flags.Lookup("jobs-failure-tolerance"))
	util.MustBindEnv("jobs.failureTolerance", "GENPIPE_JOBS_FAILURE_TOLERANCE")

	flags.Int("jobs-max-units", defaultConfig.Jobs.MaxUnits, "the maximum number of units in a single assembly job")
	util.MustBindPFlag("jobs.maxUnits", flags.Lookup("jobs-max-units"))
	util.MustBindEnv("jobs.maxUnits", "GENPIPE_JOBS_MAX_UNITS")

	flags.Duration("jobs-run-timeout", defaultConfig.Jobs.RunTimeout, "the maximum wall clock time a single background job run may take")
	util.MustBindPFlag("jobs.runTimeout", flags.Lookup("jobs-run-timeout"))
	util.MustBindEnv("jobs.runTimeout", "GENPIPE_JOBS_RUN_TIMEOUT")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "GENPIPE_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to set")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "GENPIPE_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "GENPIPE_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the grpc endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "GENPIPE_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "GENPIPE_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "GENPIPE_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "GENPIPE_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "GENPIPE_METRICS_ADDR")
}
