package run

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/internal/cache"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

// NewWarmCommand returns the command that fills cache pools offline, without
// going through a running server. It uses the same datastore and generator
// configuration as 'run'.
func NewWarmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Pre-generate artifacts into the cache pools",
		Long:  "Pre-generate artifacts for the given selectors until each pool reaches the target depth. Datastore and generator settings come from the config file and GENPIPE_* environment variables.",
		Run:   warm,
		Args:  cobra.NoArgs,
	}

	cmd.Flags().StringArray("selector", nil, "pool selector as 'topic/subtopic/difficulty/board' (repeatable)")
	cmd.Flags().Int64("target-depth", 0, "pool depth to fill each selector to (0 uses the configured default)")
	cmd.Flags().Int64("batch-size", 0, "maximum generator calls per selector (0 means up to target depth)")

	return cmd
}

func parseSelector(raw string) (storage.ArtifactKey, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return storage.ArtifactKey{}, fmt.Errorf("selector %q must be 'topic/subtopic/difficulty/board'", raw)
	}
	key := storage.ArtifactKey{
		Topic:      parts[0],
		Subtopic:   parts[1],
		Difficulty: parts[2],
		Board:      parts[3],
	}
	if key.Normalize().Topic == "" {
		return storage.ArtifactKey{}, fmt.Errorf("selector %q has an empty topic", raw)
	}
	return key, nil
}

func warm(cmd *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}
	if err := config.Verify(); err != nil {
		panic(err)
	}

	selectors, err := cmd.Flags().GetStringArray("selector")
	if err != nil {
		panic(err)
	}
	if len(selectors) == 0 {
		panic("at least one --selector is required")
	}

	keys := make([]storage.ArtifactKey, 0, len(selectors))
	for _, raw := range selectors {
		key, err := parseSelector(raw)
		if err != nil {
			panic(err)
		}
		keys = append(keys, key)
	}

	targetDepth, err := cmd.Flags().GetInt64("target-depth")
	if err != nil {
		panic(err)
	}
	if targetDepth <= 0 {
		targetDepth = config.Cache.WarmTargetDepth
	}
	batchSize, err := cmd.Flags().GetInt64("batch-size")
	if err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: log}

	datastore, err := serverCtx.datastoreConfig(config)
	if err != nil {
		panic(err)
	}
	defer datastore.Close()

	gen, err := serverCtx.generatorConfig(config)
	if err != nil {
		panic(err)
	}

	artifactCache, err := cache.New(datastore, gen, log, cache.Config{
		CountTTL:        config.Cache.CountTTL,
		WarmParallelism: config.Cache.WarmParallelism,
	})
	if err != nil {
		panic(err)
	}
	defer artifactCache.Close()

	result, err := artifactCache.Warm(context.Background(), cache.WarmRequest{
		Keys:        keys,
		TargetDepth: targetDepth,
		BatchSize:   batchSize,
	})
	if err != nil {
		panic(err)
	}

	log.Info("warm pass finished",
		zap.Int64("generated", result.Generated),
		zap.Int64("existing", result.Existing),
		zap.Int64("failed_keys", result.FailedKeys),
	)
}
