package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Affilience/genpipe/pkg/storage"
)

var testKey = storage.ArtifactKey{
	Topic:      "geometry",
	Subtopic:   "circle theorems",
	Difficulty: "higher",
	Board:      "ocr",
}

func testArtifact() *storage.Artifact {
	return &storage.Artifact{
		ID:        storage.NewArtifactID(),
		Key:       testKey.Normalize(),
		Content:   "Prove the angle at the centre is twice the angle at the circumference.",
		CreatedAt: time.Now().UTC(),
	}
}

func TestIncrementUsageIsAtomic(t *testing.T) {
	ds := New()
	defer ds.Close()

	windowStart := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ds.IncrementUsage(context.Background(), "user:1", "generate", windowStart)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := ds.UsageCount(context.Background(), "user:1", "generate", windowStart)
	require.NoError(t, err)
	require.Equal(t, int64(100), count)
}

func TestUsageWindowsAreIndependent(t *testing.T) {
	ds := New()
	defer ds.Close()

	w1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	w2 := w1.Add(time.Hour)

	_, err := ds.IncrementUsage(context.Background(), "user:1", "generate", w1)
	require.NoError(t, err)

	count, err := ds.UsageCount(context.Background(), "user:1", "generate", w2)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRandomArtifactFromEmptyPool(t *testing.T) {
	ds := New()
	defer ds.Close()

	_, err := ds.RandomArtifact(context.Background(), testKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertAppendsNeverOverwrites(t *testing.T) {
	ds := New()
	defer ds.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, ds.InsertArtifact(context.Background(), testArtifact()))
	}

	count, err := ds.CountArtifacts(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, int64(4), count)

	stats, err := ds.PoolStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(4), stats[0].Depth)
}

func TestRandomArtifactReturnsCopies(t *testing.T) {
	ds := New()
	defer ds.Close()

	require.NoError(t, ds.InsertArtifact(context.Background(), testArtifact()))

	a, err := ds.RandomArtifact(context.Background(), testKey)
	require.NoError(t, err)

	a.Content = "mutated by caller"

	b, err := ds.RandomArtifact(context.Background(), testKey)
	require.NoError(t, err)
	require.NotEqual(t, "mutated by caller", b.Content)
}

func newJob(total int) *storage.Job {
	now := time.Now().UTC()
	return &storage.Job{
		ID:            storage.NewJobID(),
		Owner:         "user:1",
		Status:        storage.JobStatusQueued,
		ProgressTotal: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestJobLifecycle(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(2)
	require.NoError(t, ds.CreateJob(context.Background(), job))

	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))
	require.NoError(t, ds.RecordJobUnit(context.Background(), job.ID, 1, "ref-1"))
	require.NoError(t, ds.RecordJobUnit(context.Background(), job.ID, 2, "ref-2"))
	require.NoError(t, ds.CompleteJob(context.Background(), job.ID, `["ref-1","ref-2"]`))

	got, err := ds.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.ProgressCurrent)
	require.Equal(t, []string{"ref-1", "ref-2"}, got.UnitRefs)
	require.NotNil(t, got.CompletedAt)
}

func TestRecordJobUnitReplayIsNoOp(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(3)
	require.NoError(t, ds.CreateJob(context.Background(), job))
	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))
	require.NoError(t, ds.RecordJobUnit(context.Background(), job.ID, 1, "ref-1"))

	// Replaying unit 1 must not double-record it.
	require.NoError(t, ds.RecordJobUnit(context.Background(), job.ID, 1, "ref-1-replayed"))

	got, err := ds.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ProgressCurrent)
	require.Equal(t, []string{"ref-1"}, got.UnitRefs)
}

func TestRecordJobUnitRejectsGaps(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(3)
	require.NoError(t, ds.CreateJob(context.Background(), job))
	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))

	require.ErrorIs(t, ds.RecordJobUnit(context.Background(), job.ID, 3, "ref-3"), storage.ErrUnitOutOfRange)
	require.ErrorIs(t, ds.RecordJobUnit(context.Background(), job.ID, 4, "ref-4"), storage.ErrUnitOutOfRange)
}

func TestTerminalJobRejectsWrites(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(1)
	require.NoError(t, ds.CreateJob(context.Background(), job))
	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))
	require.NoError(t, ds.FailJob(context.Background(), job.ID, "provider down"))

	require.ErrorIs(t, ds.RecordJobUnit(context.Background(), job.ID, 1, "ref-1"), storage.ErrJobTerminal)
	require.ErrorIs(t, ds.CompleteJob(context.Background(), job.ID, "[]"), storage.ErrJobTerminal)
	require.ErrorIs(t, ds.MarkJobProcessing(context.Background(), job.ID), storage.ErrJobTerminal)
}

func TestMarkJobProcessingIsIdempotent(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(1)
	require.NoError(t, ds.CreateJob(context.Background(), job))
	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))
	require.NoError(t, ds.MarkJobProcessing(context.Background(), job.ID))
}

func TestCreateJobRejectsDuplicateID(t *testing.T) {
	ds := New()
	defer ds.Close()

	job := newJob(1)
	require.NoError(t, ds.CreateJob(context.Background(), job))
	require.ErrorIs(t, ds.CreateJob(context.Background(), job), storage.ErrCollision)
}
