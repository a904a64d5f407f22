package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/memory"
)

func unitRequest() generator.Request {
	return generator.Request{
		Topic:      "mechanics",
		Subtopic:   "projectiles",
		Difficulty: "higher",
		Board:      "edexcel",
	}
}

func unitArtifact(req generator.Request) *storage.Artifact {
	return &storage.Artifact{
		ID:        storage.NewArtifactID(),
		Key:       req.Key().Normalize(),
		Content:   "A particle is projected at 30 degrees.",
		CreatedAt: time.Now().UTC(),
	}
}

func requests(n int) []generator.Request {
	units := make([]generator.Request, n)
	for i := range units {
		units[i] = unitRequest()
	}
	return units
}

func waitTerminal(t *testing.T, o *Orchestrator, id, owner string) *storage.Job {
	t.Helper()
	var job *storage.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = o.Status(context.Background(), id, owner)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestJobCompletesAllUnits(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, SourceFunc(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return unitArtifact(req), nil
	}), logger.NewNoopLogger(), Config{})

	job, err := o.Create(context.Background(), "user:1", requests(5))
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusQueued, job.Status)
	require.Equal(t, 5, job.ProgressTotal)

	done := waitTerminal(t, o, job.ID, "user:1")
	o.Wait()

	require.Equal(t, storage.JobStatusCompleted, done.Status)
	require.Equal(t, 5, done.ProgressCurrent)
	require.NotNil(t, done.CompletedAt)

	var refs []string
	require.NoError(t, json.Unmarshal([]byte(done.ResultRef), &refs))
	require.Len(t, refs, 5)
}

func TestJobToleratesFlakyUnit(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := memory.New()
	defer ds.Close()

	var calls atomic.Int64
	o := NewOrchestrator(ds, SourceFunc(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("transient provider error")
		}
		return unitArtifact(req), nil
	}), logger.NewNoopLogger(), Config{UnitFailureTolerance: 1})

	job, err := o.Create(context.Background(), "user:1", requests(3))
	require.NoError(t, err)

	done := waitTerminal(t, o, job.ID, "user:1")
	o.Wait()

	require.Equal(t, storage.JobStatusCompleted, done.Status)
	require.Equal(t, 3, done.ProgressCurrent)
}

func TestJobFailsBeyondTolerance(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, SourceFunc(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return nil, errors.New("provider down")
	}), logger.NewNoopLogger(), Config{UnitFailureTolerance: 2})

	job, err := o.Create(context.Background(), "user:1", requests(3))
	require.NoError(t, err)

	done := waitTerminal(t, o, job.ID, "user:1")
	o.Wait()

	require.Equal(t, storage.JobStatusFailed, done.Status)
	require.NotEmpty(t, done.Error)
}

func TestRunTimeoutFailsWedgedJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := memory.New()
	defer ds.Close()

	// The source hangs until the run context gives up on it.
	o := NewOrchestrator(ds, SourceFunc(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), logger.NewNoopLogger(), Config{RunTimeout: 30 * time.Millisecond})

	job, err := o.Create(context.Background(), "user:1", requests(2))
	require.NoError(t, err)

	done := waitTerminal(t, o, job.ID, "user:1")
	o.Wait()

	require.Equal(t, storage.JobStatusFailed, done.Status)
	require.Equal(t, "job run timed out", done.Error)
	require.Equal(t, 0, done.ProgressCurrent)
}

func TestStatusHidesOtherOwnersJobs(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, SourceFunc(func(ctx context.Context, req generator.Request) (*storage.Artifact, error) {
		return unitArtifact(req), nil
	}), logger.NewNoopLogger(), Config{})

	job, err := o.Create(context.Background(), "user:1", requests(1))
	require.NoError(t, err)
	o.Wait()

	_, err = o.Status(context.Background(), job.ID, "user:2")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStatusUnknownJobIsNotFound(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, nil, logger.NewNoopLogger(), Config{})

	_, err := o.Status(context.Background(), storage.NewJobID(), "user:1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStaleJobReadsAsFailed(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, nil, logger.NewNoopLogger(), Config{StaleAfter: time.Minute})

	stamp := time.Now().UTC().Add(-time.Hour)
	job := &storage.Job{
		ID:            storage.NewJobID(),
		Owner:         "user:1",
		Status:        storage.JobStatusProcessing,
		ProgressTotal: 4,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
	require.NoError(t, ds.CreateJob(context.Background(), job))

	view, err := o.Status(context.Background(), job.ID, "user:1")
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusFailed, view.Status)
	require.NotEmpty(t, view.Error)

	// The synthesized view is read-only; the stored row still says processing.
	stored, err := ds.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobStatusProcessing, stored.Status)
}

func TestCreateRejectsOversizedJobs(t *testing.T) {
	ds := memory.New()
	defer ds.Close()

	o := NewOrchestrator(ds, nil, logger.NewNoopLogger(), Config{MaxUnits: 2})

	_, err := o.Create(context.Background(), "user:1", requests(3))
	require.ErrorIs(t, err, ErrTooManyUnits)

	_, err = o.Create(context.Background(), "user:1", nil)
	require.ErrorIs(t, err, ErrTooManyUnits)
}

func TestCreateFailsClosedOnStoreError(t *testing.T) {
	o := NewOrchestrator(&failingJobStore{}, nil, logger.NewNoopLogger(), Config{})

	_, err := o.Create(context.Background(), "user:1", requests(1))
	require.Error(t, err)
	o.Wait()
}

type failingJobStore struct{}

var errJobStoreDown = errors.New("job store down")

func (f *failingJobStore) CreateJob(ctx context.Context, job *storage.Job) error {
	return errJobStoreDown
}

func (f *failingJobStore) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	return nil, errJobStoreDown
}

func (f *failingJobStore) MarkJobProcessing(ctx context.Context, id string) error {
	return errJobStoreDown
}

func (f *failingJobStore) RecordJobUnit(ctx context.Context, id string, unit int, unitRef string) error {
	return errJobStoreDown
}

func (f *failingJobStore) CompleteJob(ctx context.Context, id, resultRef string) error {
	return errJobStoreDown
}

func (f *failingJobStore) FailJob(ctx context.Context, id, errMsg string) error {
	return errJobStoreDown
}

var _ storage.JobStore = (*failingJobStore)(nil)
