// Package cache serves generated artifacts from per-key pools and refills
// the pools ahead of demand.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

var tracer = otel.Tracer("internal/cache")

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "cache_lookups_total",
		Help:      "Pool lookups by outcome (hit, miss, error).",
	}, []string{"outcome"})

	warmGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "cache_warm_generated_total",
		Help:      "Artifacts generated and stored by warm runs.",
	})
)

const (
	defaultCountTTL      = 30 * time.Second
	defaultCountMaxKeys  = 10_000
	defaultWarmBatchSize = 4
)

// Config tunes pool behavior. Zero values fall back to defaults.
type Config struct {
	// CountTTL bounds how stale the cached per-pool depth may be. Freshly
	// stored artifacts become visible to depth checks after at most this
	// long.
	CountTTL time.Duration

	// WarmParallelism caps concurrent warm work across pool keys.
	WarmParallelism int
}

// Cache fronts the artifact store with a depth cache and a warm path.
// Artifacts are append-only; pools never shrink except by operator action
// outside this process.
type Cache struct {
	store    storage.ArtifactStore
	gen      generator.Generator
	logger   logger.Logger
	countTTL time.Duration
	parallel int

	counts    *theine.Cache[string, int64]
	warmSf    singleflight.Group
	closeOnce sync.Once
}

func New(store storage.ArtifactStore, gen generator.Generator, log logger.Logger, cfg Config) (*Cache, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	if cfg.CountTTL <= 0 {
		cfg.CountTTL = defaultCountTTL
	}
	if cfg.WarmParallelism <= 0 {
		cfg.WarmParallelism = defaultWarmBatchSize
	}

	counts, err := theine.NewBuilder[string, int64](defaultCountMaxKeys).Build()
	if err != nil {
		return nil, fmt.Errorf("build count cache: %w", err)
	}

	return &Cache{
		store:    store,
		gen:      gen,
		logger:   log,
		countTTL: cfg.CountTTL,
		parallel: cfg.WarmParallelism,
		counts:   counts,
	}, nil
}

// Get returns a uniformly random artifact from the pool for key, or
// storage.ErrNotFound when the pool is empty. A store outage reads as a miss
// so the caller falls through to live generation.
func (c *Cache) Get(ctx context.Context, key storage.ArtifactKey) (*storage.Artifact, error) {
	ctx, span := tracer.Start(ctx, "cache.Get")
	defer span.End()

	artifact, err := c.store.RandomArtifact(ctx, key.Normalize())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lookupsTotal.WithLabelValues("miss").Inc()
			return nil, storage.ErrNotFound
		}
		lookupsTotal.WithLabelValues("error").Inc()
		c.logger.WarnWithContext(ctx, "artifact store read failed, treating as miss",
			zap.Error(err),
		)
		return nil, storage.ErrNotFound
	}

	lookupsTotal.WithLabelValues("hit").Inc()
	return artifact, nil
}

// Put appends an artifact to its pool. Validation failures are the caller's
// concern; Put stores whatever it is given.
func (c *Cache) Put(ctx context.Context, artifact *storage.Artifact) error {
	ctx, span := tracer.Start(ctx, "cache.Put")
	defer span.End()

	if err := c.store.InsertArtifact(ctx, artifact); err != nil {
		return err
	}
	c.counts.Delete(artifact.Key.Normalize().String())
	return nil
}

// Count returns the pool depth for key, served from the depth cache when a
// fresh enough entry exists.
func (c *Cache) Count(ctx context.Context, key storage.ArtifactKey) (int64, error) {
	key = key.Normalize()
	ck := key.String()

	if n, ok := c.counts.Get(ck); ok {
		return n, nil
	}

	n, err := c.store.CountArtifacts(ctx, key)
	if err != nil {
		return 0, err
	}
	c.counts.SetWithTTL(ck, n, 1, c.countTTL)
	return n, nil
}

// Stats returns pool depths grouped by key across the whole store.
func (c *Cache) Stats(ctx context.Context) ([]storage.PoolStat, error) {
	return c.store.PoolStats(ctx)
}

// Close releases the depth cache. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.counts.Close()
	})
}
