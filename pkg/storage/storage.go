// Package storage defines the records and datastore interfaces shared by the
// generation pipeline: usage counters, pooled artifacts, and assembly jobs.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

// ArtifactKey is the semantic identity of one cache pool. Two requests with
// the same key are interchangeable for caching purposes.
type ArtifactKey struct {
	Topic      string `json:"topic"`
	Subtopic   string `json:"subtopic"`
	Difficulty string `json:"difficulty"`
	Board      string `json:"board"`
}

// Normalize lowercases and trims every field so that key derivation is
// insensitive to caller formatting.
func (k ArtifactKey) Normalize() ArtifactKey {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return ArtifactKey{
		Topic:      norm(k.Topic),
		Subtopic:   norm(k.Subtopic),
		Difficulty: norm(k.Difficulty),
		Board:      norm(k.Board),
	}
}

// Hash derives the deterministic cache key for the pool.
func (k ArtifactKey) Hash() string {
	n := k.Normalize()
	return fmt.Sprintf("%x", xxhash.Sum64String(n.Topic+"|"+n.Subtopic+"|"+n.Difficulty+"|"+n.Board))
}

func (k ArtifactKey) String() string {
	n := k.Normalize()
	return n.Topic + "/" + n.Subtopic + "/" + n.Difficulty + "/" + n.Board
}

// Artifact is one generated question together with its worked solution and
// mark scheme. Many artifacts may share an ArtifactKey; they form the pool
// from which cache reads are served.
type Artifact struct {
	ID         string      `json:"id"`
	Key        ArtifactKey `json:"key"`
	Content    string      `json:"content"`
	Solution   string      `json:"solution"`
	MarkScheme []string    `json:"mark_scheme"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewArtifactID returns a fresh ULID for an artifact row.
func NewArtifactID() string {
	return ulid.Make().String()
}

// PoolStat reports the depth of a single cache pool.
type PoolStat struct {
	Key   ArtifactKey `json:"key"`
	Depth int64       `json:"depth"`
}

// JobStatus is the lifecycle state of an assembly job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a durable multi-artifact assembly record. The row is single-writer:
// only the worker executing the job mutates it, readers never do.
type Job struct {
	ID              string
	Owner           string
	Status          JobStatus
	ProgressCurrent int
	ProgressTotal   int
	UnitRefs        []string
	ResultRef       string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// NewJobID returns a fresh ULID for a job row.
func NewJobID() string {
	return ulid.Make().String()
}

// QuotaStore persists windowed usage counters. Rows that fall outside the
// query window are never matched again; no cleanup is required.
type QuotaStore interface {
	// UsageCount returns the request count recorded for
	// (identity, endpoint, windowStart), or 0 when no row exists.
	UsageCount(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error)

	// IncrementUsage records one admitted request: insert-if-absent, else a
	// single atomic increment. It returns the post-increment count.
	IncrementUsage(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error)
}

// ArtifactStore persists cache pools. Pools are append-only.
type ArtifactStore interface {
	// InsertArtifact appends a new entry to the pool for artifact.Key. It
	// never overwrites or deduplicates by content.
	InsertArtifact(ctx context.Context, artifact *Artifact) error

	// RandomArtifact returns one pool member chosen at random, or
	// ErrNotFound when the pool is empty.
	RandomArtifact(ctx context.Context, key ArtifactKey) (*Artifact, error)

	// CountArtifacts returns the pool depth for key.
	CountArtifacts(ctx context.Context, key ArtifactKey) (int64, error)

	// PoolStats returns the depth of every non-empty pool.
	PoolStats(ctx context.Context) ([]PoolStat, error)
}

// JobStore persists assembly jobs. All mutating operations are conditional on
// the job not having reached a terminal status; a violated condition returns
// ErrJobTerminal so that replays of a finished job are detectable.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error

	GetJob(ctx context.Context, id string) (*Job, error)

	// MarkJobProcessing transitions queued → processing. Calling it for a
	// job already processing is a no-op, so at-least-once execution is safe.
	MarkJobProcessing(ctx context.Context, id string) error

	// RecordJobUnit persists the completion of unit number `unit` (1-based)
	// with its artifact reference. The write only applies when
	// progress_current == unit-1; replaying an already-recorded unit is a
	// no-op. Progress never regresses and never exceeds the total.
	RecordJobUnit(ctx context.Context, id string, unit int, unitRef string) error

	// CompleteJob transitions to completed, stamps completed_at, and
	// attaches the assembled result reference.
	CompleteJob(ctx context.Context, id, resultRef string) error

	// FailJob transitions to failed with a recorded error.
	FailJob(ctx context.Context, id, errMsg string) error
}

// PipelineDatastore is the full persistence surface of the pipeline.
type PipelineDatastore interface {
	QuotaStore
	ArtifactStore
	JobStore

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (bool, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}
