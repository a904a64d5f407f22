// Package quota enforces windowed per-identity request limits on top of the
// usage store.
package quota

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

var tracer = otel.Tracer("internal/quota")

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "quota_decisions_total",
		Help:      "Quota decisions by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "quota_fail_open_total",
		Help:      "Requests admitted without accounting because the usage store was unavailable.",
	})
)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Ledger meters requests against per-window limits. A nil limit admits
// unconditionally and records nothing.
type Ledger struct {
	store  storage.QuotaStore
	logger logger.Logger
	now    func() time.Time
}

type LedgerOption func(*Ledger)

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store storage.QuotaStore, log logger.Logger, opts ...LedgerOption) *Ledger {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	l := &Ledger{store: store, logger: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume admits or denies one request for identity against limit
// within the window containing now. Admission increments the usage counter
// atomically; denial leaves the counter untouched so the caller can retry
// after the window rolls over without being penalized for denied attempts.
//
// If the usage store is unreachable the request is admitted unmetered. A
// degraded store must not take the serving path down with it.
func (l *Ledger) CheckAndConsume(ctx context.Context, identity, endpoint string, limit *int, window time.Duration) (Decision, error) {
	ctx, span := tracer.Start(ctx, "quota.CheckAndConsume")
	defer span.End()
	span.SetAttributes(attribute.String("endpoint", endpoint))

	if limit == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	windowStart := l.now().UTC().Truncate(window)
	resetAt := windowStart.Add(window)
	max := int64(*limit)

	used, err := l.store.UsageCount(ctx, identity, endpoint, windowStart)
	if err != nil {
		failOpenTotal.Inc()
		l.logger.WarnWithContext(ctx, "usage store unavailable, admitting unmetered",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}
	if used >= max {
		decisionsTotal.WithLabelValues(endpoint, "denied").Inc()
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	count, err := l.store.IncrementUsage(ctx, identity, endpoint, windowStart)
	if err != nil {
		failOpenTotal.Inc()
		l.logger.WarnWithContext(ctx, "usage store unavailable, admitting unmetered",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}, nil
	}
	// Concurrent racers past the under-limit read may push count beyond max.
	// The increment landed, so the request it paid for is admitted; every
	// recorded increment pairs with exactly one admission.
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}

	decisionsTotal.WithLabelValues(endpoint, "allowed").Inc()
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
