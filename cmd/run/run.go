// Package run contains the command to run a genpipe server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/internal/cache"
	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/internal/jobs"
	serverconfig "github.com/Affilience/genpipe/internal/server/config"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/server"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/memory"
	"github.com/Affilience/genpipe/pkg/storage/postgres"
	"github.com/Affilience/genpipe/pkg/storage/sqlcommon"
	"github.com/Affilience/genpipe/pkg/storage/sqlite"
	"github.com/Affilience/genpipe/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the genpipe server",
		Long:  "Run the genpipe server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the server configuration based on the values provided in
// the server's 'config.yaml' file. The 'config.yaml' file is loaded from
// '/etc/genpipe', '$HOME/.genpipe', or the current working directory. If no
// configuration file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: log}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down
// tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (storage.PipelineDatastore, error) {
	datastoreOptions := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(config.Datastore.Username),
		sqlcommon.WithPassword(config.Datastore.Password),
		sqlcommon.WithLogger(s.Logger),
		sqlcommon.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	}

	if config.Datastore.Metrics.Enabled {
		datastoreOptions = append(datastoreOptions, sqlcommon.WithMetrics())
	}

	dsCfg := sqlcommon.NewConfig(datastoreOptions...)

	var datastore storage.PipelineDatastore
	var err error
	switch config.Datastore.Engine {
	case "memory":
		datastore = memory.New()
	case "postgres":
		datastore, err = postgres.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
	case "sqlite":
		datastore, err = sqlite.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return datastore, nil
}

func (s *ServerContext) generatorConfig(config *serverconfig.Config) (generator.Generator, error) {
	gen, err := generator.NewOpenAIGenerator(generator.OpenAIConfig{
		Model:   config.Generator.Model,
		APIKey:  config.Generator.APIKey,
		BaseURL: config.Generator.BaseURL,
		Logger:  s.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize generator: %w", err)
	}
	return generator.WithRetry(gen, config.Generator.MaxRetryElapsed, s.Logger), nil
}

// Run starts the server and blocks until the context is cancelled or a
// shutdown signal arrives.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	tracerProviderCloser := s.telemetryConfig(config)

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}
	defer datastore.Close()

	gen, err := s.generatorConfig(config)
	if err != nil {
		return err
	}

	artifactCache, err := cache.New(datastore, gen, s.Logger, cache.Config{
		CountTTL:        config.Cache.CountTTL,
		WarmParallelism: config.Cache.WarmParallelism,
	})
	if err != nil {
		return err
	}

	orchestrator := jobs.NewOrchestrator(datastore, jobs.SourceFunc(
		func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
			artifact, _, err := artifactCache.Obtain(ctx, req)
			return artifact, err
		},
	), s.Logger, jobs.Config{
		StaleAfter:           config.Jobs.StaleAfter,
		UnitFailureTolerance: config.Jobs.FailureTolerance,
		MaxUnits:             config.Jobs.MaxUnits,
		RunTimeout:           config.Jobs.RunTimeout,
	})

	svc := server.New(datastore, artifactCache, orchestrator,
		server.WithLogger(s.Logger),
		server.WithGenerationWindow(config.Quota.GenerationWindow),
		server.WithAssemblyWindow(config.Quota.AssemblyWindow),
		server.WithWarmTargetDepth(config.Cache.WarmTargetDepth),
	)
	defer svc.Close()

	handler := server.NewHTTPHandler(svc, server.HTTPHandlerConfig{
		CORSAllowedOrigins: config.HTTP.CORSAllowedOrigins,
		CORSAllowedHeaders: config.HTTP.CORSAllowedHeaders,
	})

	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    config.Metrics.Addr,
			Handler: promhttp.Handler(),
		}
		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("failed to start metrics server", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting genpipe HTTP server on '%s'", config.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
	}

	s.Logger.Info("attempting to shutdown gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error("failed to shutdown the http server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Error("failed to shutdown the metrics server", zap.Error(err))
		}
	}

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
