package cache

import (
	"context"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/internal/validation"
	"github.com/Affilience/genpipe/pkg/storage"
)

// WarmRequest names the pools to fill, how deep, and how many generator
// calls one pool may spend in this pass.
type WarmRequest struct {
	Keys        []storage.ArtifactKey
	TargetDepth int64
	BatchSize   int64
}

// WarmResult summarizes one warm run.
type WarmResult struct {
	// Generated counts artifacts created and stored during the run.
	Generated int64 `json:"generated"`

	// Existing counts pool entries that were already present.
	Existing int64 `json:"existing"`

	// FailedKeys counts pools whose fill stopped on a generation or storage
	// error.
	FailedKeys int64 `json:"failedKeys"`
}

// Warm fills each requested pool toward TargetDepth, generating and
// validating artifacts as needed. Work fans out across keys up to the
// configured parallelism; concurrent warms of the same key collapse into
// one. Warm only adds entries, it never removes any or blocks readers, so
// it is safe to run against live traffic. A failure on one key does not
// stop the others.
func (c *Cache) Warm(ctx context.Context, req WarmRequest) (WarmResult, error) {
	ctx, span := tracer.Start(ctx, "cache.Warm")
	defer span.End()

	if req.TargetDepth <= 0 || len(req.Keys) == 0 {
		return WarmResult{}, nil
	}
	if req.BatchSize <= 0 {
		req.BatchSize = req.TargetDepth
	}

	var generated, existing, failed atomic.Int64

	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.parallel)
	for _, key := range req.Keys {
		key := key.Normalize()
		p.Go(func(ctx context.Context) error {
			_, err, _ := c.warmSf.Do(key.String(), func() (interface{}, error) {
				added, present, err := c.warmKey(ctx, key, req.TargetDepth, req.BatchSize)
				generated.Add(added)
				existing.Add(present)
				return nil, err
			})
			if err != nil {
				failed.Add(1)
				c.logger.WarnWithContext(ctx, "pool warm failed",
					zap.String("pool", key.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return WarmResult{}, err
	}

	return WarmResult{
		Generated:  generated.Load(),
		Existing:   existing.Load(),
		FailedKeys: failed.Load(),
	}, nil
}

func (c *Cache) warmKey(ctx context.Context, key storage.ArtifactKey, target, batch int64) (added, present int64, _ error) {
	depth, err := c.store.CountArtifacts(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	present = depth
	if depth >= target {
		return 0, present, nil
	}

	req := generator.Request{
		Topic:      key.Topic,
		Subtopic:   key.Subtopic,
		Difficulty: key.Difficulty,
		Board:      key.Board,
	}

	// A batch is spent in generator calls, not stored artifacts, so a model
	// that keeps producing invalid output cannot extend the pass.
	for calls := int64(0); depth < target && calls < batch; calls++ {
		if err := ctx.Err(); err != nil {
			return added, present, err
		}

		artifact, err := c.gen.Generate(ctx, req)
		if err != nil {
			return added, present, err
		}
		if result := validation.CheckArtifact(artifact); result.HasErrors() {
			continue
		}

		if err := c.store.InsertArtifact(ctx, artifact); err != nil {
			return added, present, err
		}
		depth++
		added++
		warmGeneratedTotal.Inc()
	}

	c.counts.SetWithTTL(key.String(), depth, 1, c.countTTL)
	return added, present, nil
}
