// Package memory provides an ephemeral, process-local implementation of
// [storage.PipelineDatastore]. It is the default engine and the one used by
// the package tests. Instances may be safely shared by multiple goroutines.
package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Affilience/genpipe/pkg/storage"
)

var tracer = otel.Tracer("genpipe/pkg/storage/memory")

// Datastore is a mutex-guarded in-memory datastore.
type Datastore struct {
	mu    sync.Mutex
	usage map[string]int64
	pools map[string][]*storage.Artifact
	jobs  map[string]*storage.Job
}

var _ storage.PipelineDatastore = (*Datastore)(nil)

// New creates a new [Datastore].
func New() *Datastore {
	return &Datastore{
		usage: make(map[string]int64),
		pools: make(map[string][]*storage.Artifact),
		jobs:  make(map[string]*storage.Job),
	}
}

func usageKey(identity, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", identity, endpoint, windowStart.UTC().Unix())
}

// UsageCount see [storage.QuotaStore].UsageCount.
func (d *Datastore) UsageCount(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error) {
	_, span := tracer.Start(ctx, "memory.UsageCount")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.usage[usageKey(identity, endpoint, windowStart)], nil
}

// IncrementUsage see [storage.QuotaStore].IncrementUsage.
func (d *Datastore) IncrementUsage(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error) {
	_, span := tracer.Start(ctx, "memory.IncrementUsage")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	k := usageKey(identity, endpoint, windowStart)
	d.usage[k]++
	return d.usage[k], nil
}

func cloneArtifact(a *storage.Artifact) *storage.Artifact {
	c := *a
	c.MarkScheme = slices.Clone(a.MarkScheme)
	return &c
}

// InsertArtifact see [storage.ArtifactStore].InsertArtifact.
func (d *Datastore) InsertArtifact(ctx context.Context, artifact *storage.Artifact) error {
	_, span := tracer.Start(ctx, "memory.InsertArtifact")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	hash := artifact.Key.Hash()
	for _, existing := range d.pools[hash] {
		if existing.ID == artifact.ID {
			return storage.ErrCollision
		}
	}

	d.pools[hash] = append(d.pools[hash], cloneArtifact(artifact))
	return nil
}

// RandomArtifact see [storage.ArtifactStore].RandomArtifact.
func (d *Datastore) RandomArtifact(ctx context.Context, key storage.ArtifactKey) (*storage.Artifact, error) {
	_, span := tracer.Start(ctx, "memory.RandomArtifact")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	pool := d.pools[key.Hash()]
	if len(pool) == 0 {
		return nil, storage.ErrNotFound
	}

	return cloneArtifact(pool[rand.IntN(len(pool))]), nil
}

// CountArtifacts see [storage.ArtifactStore].CountArtifacts.
func (d *Datastore) CountArtifacts(ctx context.Context, key storage.ArtifactKey) (int64, error) {
	_, span := tracer.Start(ctx, "memory.CountArtifacts")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return int64(len(d.pools[key.Hash()])), nil
}

// PoolStats see [storage.ArtifactStore].PoolStats.
func (d *Datastore) PoolStats(ctx context.Context) ([]storage.PoolStat, error) {
	_, span := tracer.Start(ctx, "memory.PoolStats")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	stats := make([]storage.PoolStat, 0, len(d.pools))
	for _, pool := range d.pools {
		if len(pool) == 0 {
			continue
		}
		stats = append(stats, storage.PoolStat{
			Key:   pool[0].Key.Normalize(),
			Depth: int64(len(pool)),
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Key.String() < stats[j].Key.String()
	})

	return stats, nil
}

func cloneJob(j *storage.Job) *storage.Job {
	c := *j
	c.UnitRefs = slices.Clone(j.UnitRefs)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateJob see [storage.JobStore].CreateJob.
func (d *Datastore) CreateJob(ctx context.Context, job *storage.Job) error {
	_, span := tracer.Start(ctx, "memory.CreateJob")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[job.ID]; ok {
		return storage.ErrCollision
	}

	d.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob see [storage.JobStore].GetJob.
func (d *Datastore) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	_, span := tracer.Start(ctx, "memory.GetJob")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return cloneJob(job), nil
}

// MarkJobProcessing see [storage.JobStore].MarkJobProcessing.
func (d *Datastore) MarkJobProcessing(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "memory.MarkJobProcessing")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}

	job.Status = storage.JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordJobUnit see [storage.JobStore].RecordJobUnit.
func (d *Datastore) RecordJobUnit(ctx context.Context, id string, unit int, unitRef string) error {
	_, span := tracer.Start(ctx, "memory.RecordJobUnit")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}
	if unit > job.ProgressTotal {
		return storage.ErrUnitOutOfRange
	}
	if unit <= job.ProgressCurrent {
		// Replay of an already recorded unit.
		return nil
	}
	if unit != job.ProgressCurrent+1 {
		return storage.ErrUnitOutOfRange
	}

	job.ProgressCurrent = unit
	job.UnitRefs = append(job.UnitRefs, unitRef)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteJob see [storage.JobStore].CompleteJob.
func (d *Datastore) CompleteJob(ctx context.Context, id, resultRef string) error {
	_, span := tracer.Start(ctx, "memory.CompleteJob")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}

	now := time.Now().UTC()
	job.Status = storage.JobStatusCompleted
	job.ResultRef = resultRef
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

// FailJob see [storage.JobStore].FailJob.
func (d *Datastore) FailJob(ctx context.Context, id, errMsg string) error {
	_, span := tracer.Start(ctx, "memory.FailJob")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}

	now := time.Now().UTC()
	job.Status = storage.JobStatusFailed
	job.Error = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

// IsReady see [storage.PipelineDatastore].IsReady.
func (d *Datastore) IsReady(_ context.Context) (bool, error) {
	return true, nil
}

// Close does not do anything for [Datastore].
func (d *Datastore) Close() {}
