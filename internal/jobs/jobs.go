// Package jobs orchestrates durable multi-unit assembly jobs: creation,
// background execution, and status reads.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

var tracer = otel.Tracer("internal/jobs")

// ErrForbidden if the caller does not own the job it is asking about.
var ErrForbidden = errors.New("job belongs to another owner")

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "jobs_total",
		Help:      "Assembly jobs by final outcome.",
	}, []string{"outcome"})

	unitsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "genpipe",
		Name:      "job_units_completed_total",
		Help:      "Assembly units completed across all jobs.",
	})
)

const (
	defaultStaleAfter    = 10 * time.Minute
	defaultUnitFailures  = 2
	defaultUnitSizeLimit = 50
	defaultRunTimeout    = 15 * time.Minute
)

// ArtifactSource yields one validated artifact per unit request. The cache
// front satisfies it.
type ArtifactSource interface {
	Obtain(ctx context.Context, req generator.Request) (*storage.Artifact, error)
}

// SourceFunc adapts a plain function to ArtifactSource.
type SourceFunc func(ctx context.Context, req generator.Request) (*storage.Artifact, error)

func (f SourceFunc) Obtain(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
	return f(ctx, req)
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// StaleAfter is how long a non-terminal job may sit without a progress
	// write before status reads report it failed.
	StaleAfter time.Duration

	// UnitFailureTolerance is how many units may fail (after their own
	// retries) before the whole job is marked failed.
	UnitFailureTolerance int

	// MaxUnits bounds the size of a single job.
	MaxUnits int

	// RunTimeout bounds a single background run end to end. A run that hits
	// it is marked failed instead of holding its goroutine forever.
	RunTimeout time.Duration
}

// Orchestrator owns the job lifecycle. Every job row is single-writer: the
// background run that executes it is the only mutator, status reads never
// write.
type Orchestrator struct {
	store  storage.JobStore
	source ArtifactSource
	logger logger.Logger
	cfg    Config
	now    func() time.Time

	wg sync.WaitGroup
}

// ErrTooManyUnits if a job request exceeds the configured unit bound.
var ErrTooManyUnits = errors.New("job exceeds unit limit")

func NewOrchestrator(store storage.JobStore, source ArtifactSource, log logger.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.UnitFailureTolerance < 0 {
		cfg.UnitFailureTolerance = defaultUnitFailures
	}
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = defaultUnitSizeLimit
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Orchestrator{
		store:  store,
		source: source,
		logger: log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Create persists a queued job for owner covering the given units and starts
// executing it in the background. Creation fails closed: if the row cannot
// be written no work starts and the caller gets the error.
func (o *Orchestrator) Create(ctx context.Context, owner string, units []generator.Request) (*storage.Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	if len(units) == 0 || len(units) > o.cfg.MaxUnits {
		return nil, ErrTooManyUnits
	}

	now := o.now().UTC()
	job := &storage.Job{
		ID:            storage.NewJobID(),
		Owner:         owner,
		Status:        storage.JobStatusQueued,
		ProgressTotal: len(units),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("job_id", job.ID))

	// The run outlives the request that created it, bounded only by its own
	// timeout.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RunTimeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, job.ID, units)
	}()

	return job, nil
}

// Status returns the job as the owner may see it. A non-terminal job whose
// last write is older than StaleAfter reads as failed; nothing is written,
// the synthesized view simply stops callers from polling a dead run forever.
func (o *Orchestrator) Status(ctx context.Context, id, owner string) (*storage.Job, error) {
	ctx, span := tracer.Start(ctx, "jobs.Status")
	defer span.End()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, ErrForbidden
	}

	if !job.Status.Terminal() && o.now().UTC().Sub(job.UpdatedAt) > o.cfg.StaleAfter {
		stale := *job
		stale.Status = storage.JobStatusFailed
		stale.Error = "job timed out"
		return &stale, nil
	}
	return job, nil
}

// Wait blocks until all background runs have finished. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run executes the job's units in order. Unit completions are recorded one at
// a time so a replay after a crash resumes from the last recorded unit
// instead of redoing the whole job.
func (o *Orchestrator) run(ctx context.Context, id string, units []generator.Request) {
	ctx, span := tracer.Start(ctx, "jobs.run")
	defer span.End()

	runID := uuid.NewString()
	o.logger.InfoWithContext(ctx, "starting job run",
		zap.String("job_id", id),
		zap.String("run_id", runID),
		zap.Int("units", len(units)),
	)

	if err := o.store.MarkJobProcessing(ctx, id); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			return
		}
		o.logger.ErrorWithContext(ctx, "could not mark job processing",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return
	}

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		o.logger.ErrorWithContext(ctx, "could not load job for execution",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return
	}

	refs := append([]string(nil), job.UnitRefs...)
	failures := 0

	for unit := job.ProgressCurrent + 1; unit <= job.ProgressTotal; unit++ {
		if ctx.Err() != nil {
			// The run timeout fired. The failure write uses a detached
			// context so the terminal state still lands.
			o.fail(context.WithoutCancel(ctx), id, "job run timed out")
			return
		}

		artifact, err := o.source.Obtain(ctx, units[unit-1])
		if err != nil {
			failures++
			o.logger.WarnWithContext(ctx, "assembly unit failed",
				zap.String("job_id", id),
				zap.Int("unit", unit),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if failures > o.cfg.UnitFailureTolerance {
				o.fail(ctx, id, "too many unit failures")
				return
			}
			unit--
			continue
		}

		if err := o.store.RecordJobUnit(ctx, id, unit, artifact.ID); err != nil {
			if errors.Is(err, storage.ErrJobTerminal) {
				return
			}
			o.fail(ctx, id, "progress write failed")
			return
		}
		refs = append(refs, artifact.ID)
		unitsCompleted.Inc()
	}

	resultRef, err := json.Marshal(refs)
	if err != nil {
		o.fail(ctx, id, "result encoding failed")
		return
	}
	if err := o.store.CompleteJob(ctx, id, string(resultRef)); err != nil {
		if !errors.Is(err, storage.ErrJobTerminal) {
			o.logger.ErrorWithContext(ctx, "could not complete job",
				zap.String("job_id", id),
				zap.Error(err),
			)
		}
		return
	}
	jobsTotal.WithLabelValues("completed").Inc()
}

func (o *Orchestrator) fail(ctx context.Context, id, msg string) {
	if err := o.store.FailJob(ctx, id, msg); err != nil && !errors.Is(err, storage.ErrJobTerminal) {
		o.logger.ErrorWithContext(ctx, "could not mark job failed",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return
	}
	jobsTotal.WithLabelValues("failed").Inc()
}
