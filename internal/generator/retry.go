package generator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

var retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "genpipe",
	Name:      "generator_retries_total",
	Help:      "Number of generation attempts retried after a transient failure.",
})

type retryingGenerator struct {
	inner      Generator
	maxElapsed time.Duration
	logger     logger.Logger
}

// WithRetry wraps g so that transient failures (provider outages, malformed
// output) are retried with exponential backoff until maxElapsed runs out.
// Context cancellation aborts immediately.
func WithRetry(g Generator, maxElapsed time.Duration, log logger.Logger) Generator {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &retryingGenerator{inner: g, maxElapsed: maxElapsed, logger: log}
}

func (r *retryingGenerator) Generate(ctx context.Context, req Request) (*storage.Artifact, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = r.maxElapsed

	var artifact *storage.Artifact
	attempt := 0

	operation := func() error {
		attempt++
		if attempt > 1 {
			retriesTotal.Inc()
		}
		a, err := r.inner.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			r.logger.WarnWithContext(ctx, "generation attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		artifact = a
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return artifact, nil
}
