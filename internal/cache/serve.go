package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/internal/validation"
	"github.com/Affilience/genpipe/pkg/storage"
)

// Obtain serves one artifact for the request: a random pool member when one
// exists, otherwise a live generation. A freshly generated artifact that
// fails part-consistency checks is regenerated once; if the second attempt
// also fails the checks it is still delivered, with the issues attached, so
// a misbehaving model degrades quality rather than availability. Only clean
// artifacts are added to the pool.
func (c *Cache) Obtain(ctx context.Context, req generator.Request) (*storage.Artifact, validation.PartConsistency, error) {
	ctx, span := tracer.Start(ctx, "cache.Obtain")
	defer span.End()

	key := req.Key().Normalize()

	artifact, err := c.Get(ctx, key)
	if err == nil {
		return artifact, validation.CheckArtifact(artifact), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, validation.PartConsistency{}, err
	}

	artifact, err = c.gen.Generate(ctx, req)
	if err != nil {
		return nil, validation.PartConsistency{}, err
	}

	result := validation.CheckArtifact(artifact)
	if result.HasErrors() {
		retry, retryErr := c.gen.Generate(ctx, req)
		if retryErr == nil {
			if retryResult := validation.CheckArtifact(retry); !retryResult.HasErrors() {
				artifact, result = retry, retryResult
			}
		}
	}

	if !result.HasErrors() {
		if err := c.Put(ctx, artifact); err != nil {
			c.logger.WarnWithContext(ctx, "could not pool generated artifact",
				zap.Error(err),
			)
		}
	}
	return artifact, result, nil
}
