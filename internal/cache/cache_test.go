package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/memory"
)

var testKey = storage.ArtifactKey{
	Topic:      "algebra",
	Subtopic:   "quadratics",
	Difficulty: "higher",
	Board:      "aqa",
}

func testRequest() generator.Request {
	return generator.Request{
		Topic:      testKey.Topic,
		Subtopic:   testKey.Subtopic,
		Difficulty: testKey.Difficulty,
		Board:      testKey.Board,
	}
}

func validArtifact(req generator.Request) *storage.Artifact {
	return &storage.Artifact{
		ID:         storage.NewArtifactID(),
		Key:        req.Key().Normalize(),
		Content:    "Solve x^2 - 5x + 6 = 0.",
		Solution:   "x = 2 or x = 3",
		MarkScheme: []string{"M1 for factorising", "A1 for both roots"},
		CreatedAt:  time.Now().UTC(),
	}
}

func newTestCache(t *testing.T, gen generator.Generator) (*Cache, *memory.Datastore) {
	t.Helper()
	ds := memory.New()
	t.Cleanup(ds.Close)

	c, err := New(ds, gen, logger.NewNoopLogger(), Config{CountTTL: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c, ds
}

func TestGetEmptyPoolIsMiss(t *testing.T) {
	c, _ := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		t.Fatal("generator must not be called on Get")
		return nil, nil
	}))

	_, err := c.Get(context.Background(), testKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestObtainServesPooledArtifact(t *testing.T) {
	var calls atomic.Int64
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		calls.Add(1)
		return validArtifact(req), nil
	}))

	seeded := validArtifact(testRequest())
	require.NoError(t, ds.InsertArtifact(context.Background(), seeded))

	artifact, result, err := c.Obtain(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, seeded.ID, artifact.ID)
	require.False(t, result.HasErrors())
	require.Zero(t, calls.Load())
}

func TestObtainGeneratesAndPoolsOnMiss(t *testing.T) {
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return validArtifact(req), nil
	}))

	artifact, result, err := c.Obtain(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, artifact.ID)
	require.False(t, result.HasErrors())

	count, err := ds.CountArtifacts(context.Background(), testKey.Normalize())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestObtainRegeneratesOnceOnInvalidOutput(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		if calls.Add(1) == 1 {
			a := validArtifact(req)
			a.Content = "(a) First part. (b) Second part."
			a.MarkScheme = []string{"no labels here"}
			return a, nil
		}
		return validArtifact(req), nil
	}))

	artifact, result, err := c.Obtain(context.Background(), testRequest())
	require.NoError(t, err)
	require.False(t, result.HasErrors())
	require.Equal(t, int64(2), calls.Load())
	require.NotEmpty(t, artifact.Content)
}

func TestObtainDeliversWithIssuesWhenRetryAlsoInvalid(t *testing.T) {
	var calls atomic.Int64
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		calls.Add(1)
		a := validArtifact(req)
		a.Content = "(a) First part. (b) Second part."
		a.MarkScheme = []string{"no labels here"}
		return a, nil
	}))

	artifact, result, err := c.Obtain(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, artifact)
	require.True(t, result.HasErrors())
	require.Equal(t, int64(2), calls.Load())

	// Inconsistent artifacts are delivered but never pooled.
	count, err := ds.CountArtifacts(context.Background(), testKey.Normalize())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestObtainPropagatesGeneratorOutage(t *testing.T) {
	c, _ := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return nil, generator.ErrUnavailable
	}))

	_, _, err := c.Obtain(context.Background(), testRequest())
	require.ErrorIs(t, err, generator.ErrUnavailable)
}

func TestWarmFillsPoolsToTargetDepth(t *testing.T) {
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return validArtifact(req), nil
	}))

	keys := []storage.ArtifactKey{testKey}
	for i := 0; i < 3; i++ {
		keys = append(keys, storage.ArtifactKey{
			Topic:      fmt.Sprintf("topic-%d", i),
			Difficulty: "foundation",
		})
	}

	result, err := c.Warm(context.Background(), WarmRequest{Keys: keys, TargetDepth: 5})
	require.NoError(t, err)
	require.Equal(t, int64(20), result.Generated)
	require.Zero(t, result.FailedKeys)

	for _, key := range keys {
		count, err := ds.CountArtifacts(context.Background(), key.Normalize())
		require.NoError(t, err)
		require.Equal(t, int64(5), count)
	}
}

func TestWarmSkipsFullPools(t *testing.T) {
	var calls atomic.Int64
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		calls.Add(1)
		return validArtifact(req), nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, ds.InsertArtifact(context.Background(), validArtifact(testRequest())))
	}

	result, err := c.Warm(context.Background(), WarmRequest{
		Keys:        []storage.ArtifactKey{testKey},
		TargetDepth: 5,
	})
	require.NoError(t, err)
	require.Zero(t, result.Generated)
	require.Equal(t, int64(5), result.Existing)
	require.Zero(t, calls.Load())
}

func TestWarmBatchSizeBoundsGeneratorCalls(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		calls.Add(1)
		return validArtifact(req), nil
	}))

	result, err := c.Warm(context.Background(), WarmRequest{
		Keys:        []storage.ArtifactKey{testKey},
		TargetDepth: 10,
		BatchSize:   3,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Generated)
	require.Equal(t, int64(3), calls.Load())
}

func TestWarmReportsFailedKeys(t *testing.T) {
	c, _ := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return nil, errors.New("provider down")
	}))

	result, err := c.Warm(context.Background(), WarmRequest{
		Keys:        []storage.ArtifactKey{testKey},
		TargetDepth: 2,
	})
	require.NoError(t, err)
	require.Zero(t, result.Generated)
	require.Equal(t, int64(1), result.FailedKeys)
}

func TestCountUsesFreshStoreValueAfterTTL(t *testing.T) {
	c, ds := newTestCache(t, generator.Func(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return validArtifact(req), nil
	}))

	count, err := c.Count(context.Background(), testKey)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, ds.InsertArtifact(context.Background(), validArtifact(testRequest())))

	require.Eventually(t, func() bool {
		count, err := c.Count(context.Background(), testKey)
		return err == nil && count == 1
	}, time.Second, 5*time.Millisecond)
}
