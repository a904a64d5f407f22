package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("genpipe/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.PipelineDatastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.PipelineDatastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying
// defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	// Set journal mode and busy timeout pragmas if not specified.
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	// Set transaction mode to immediate if not specified
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "genpipe")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.PipelineDatastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// UsageCount see [storage.QuotaStore].UsageCount.
func (s *Datastore) UsageCount(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error) {
	ctx, span := startTrace(ctx, "UsageCount")
	defer span.End()

	var count int64
	err := s.stbl.
		Select("request_count").
		From("usage_record").
		Where(sq.Eq{
			"identity":     identity,
			"endpoint":     endpoint,
			"window_start": windowStart.UTC().Unix(),
		}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, HandleSQLError(err)
	}

	return count, nil
}

// IncrementUsage see [storage.QuotaStore].IncrementUsage.
func (s *Datastore) IncrementUsage(ctx context.Context, identity, endpoint string, windowStart time.Time) (int64, error) {
	ctx, span := startTrace(ctx, "IncrementUsage")
	defer span.End()

	var count int64
	err := busyRetry(func() error {
		return s.stbl.
			Insert("usage_record").
			Columns("identity", "endpoint", "window_start", "request_count").
			Values(identity, endpoint, windowStart.UTC().Unix(), 1).
			Suffix("ON CONFLICT (identity, endpoint, window_start) DO UPDATE SET request_count = request_count + 1 RETURNING request_count").
			QueryRowContext(ctx).
			Scan(&count)
	})
	if err != nil {
		return 0, HandleSQLError(err)
	}

	return count, nil
}

// InsertArtifact see [storage.ArtifactStore].InsertArtifact.
func (s *Datastore) InsertArtifact(ctx context.Context, artifact *storage.Artifact) error {
	ctx, span := startTrace(ctx, "InsertArtifact")
	defer span.End()

	markScheme, err := sqlcommon.MarshalStringSlice(artifact.MarkScheme)
	if err != nil {
		return err
	}

	key := artifact.Key.Normalize()
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("artifact").
			Columns("id", "cache_key", "topic", "subtopic", "difficulty", "board", "content", "solution", "mark_scheme", "created_at").
			Values(artifact.ID, artifact.Key.Hash(), key.Topic, key.Subtopic, key.Difficulty, key.Board, artifact.Content, artifact.Solution, markScheme, createdAt).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// RandomArtifact see [storage.ArtifactStore].RandomArtifact.
func (s *Datastore) RandomArtifact(ctx context.Context, key storage.ArtifactKey) (*storage.Artifact, error) {
	ctx, span := startTrace(ctx, "RandomArtifact")
	defer span.End()

	row := s.stbl.
		Select("id", "topic", "subtopic", "difficulty", "board", "content", "solution", "mark_scheme", "created_at").
		From("artifact").
		Where(sq.Eq{"cache_key": key.Hash()}).
		OrderBy("RANDOM()").
		Limit(1).
		QueryRowContext(ctx)

	return scanArtifact(row)
}

func scanArtifact(row sq.RowScanner) (*storage.Artifact, error) {
	var artifact storage.Artifact
	var markScheme string
	err := row.Scan(
		&artifact.ID,
		&artifact.Key.Topic,
		&artifact.Key.Subtopic,
		&artifact.Key.Difficulty,
		&artifact.Key.Board,
		&artifact.Content,
		&artifact.Solution,
		&markScheme,
		&artifact.CreatedAt,
	)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	artifact.MarkScheme, err = sqlcommon.UnmarshalStringSlice(markScheme)
	if err != nil {
		return nil, err
	}

	return &artifact, nil
}

// CountArtifacts see [storage.ArtifactStore].CountArtifacts.
func (s *Datastore) CountArtifacts(ctx context.Context, key storage.ArtifactKey) (int64, error) {
	ctx, span := startTrace(ctx, "CountArtifacts")
	defer span.End()

	var count int64
	err := s.stbl.
		Select("COUNT(*)").
		From("artifact").
		Where(sq.Eq{"cache_key": key.Hash()}).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, HandleSQLError(err)
	}

	return count, nil
}

// PoolStats see [storage.ArtifactStore].PoolStats.
func (s *Datastore) PoolStats(ctx context.Context) ([]storage.PoolStat, error) {
	ctx, span := startTrace(ctx, "PoolStats")
	defer span.End()

	rows, err := s.stbl.
		Select("topic", "subtopic", "difficulty", "board", "COUNT(*)").
		From("artifact").
		GroupBy("cache_key", "topic", "subtopic", "difficulty", "board").
		OrderBy("topic", "subtopic", "difficulty", "board").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var stats []storage.PoolStat
	for rows.Next() {
		var stat storage.PoolStat
		if err := rows.Scan(&stat.Key.Topic, &stat.Key.Subtopic, &stat.Key.Difficulty, &stat.Key.Board, &stat.Depth); err != nil {
			return nil, HandleSQLError(err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return stats, nil
}

// CreateJob see [storage.JobStore].CreateJob.
func (s *Datastore) CreateJob(ctx context.Context, job *storage.Job) error {
	ctx, span := startTrace(ctx, "CreateJob")
	defer span.End()

	unitRefs, err := sqlcommon.MarshalStringSlice(job.UnitRefs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Insert("job").
			Columns("id", "owner", "status", "progress_current", "progress_total", "unit_refs", "result_ref", "error", "created_at", "updated_at").
			Values(job.ID, job.Owner, string(job.Status), job.ProgressCurrent, job.ProgressTotal, unitRefs, job.ResultRef, job.Error, createdAt, createdAt).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// GetJob see [storage.JobStore].GetJob.
func (s *Datastore) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	ctx, span := startTrace(ctx, "GetJob")
	defer span.End()

	row := s.stbl.
		Select("id", "owner", "status", "progress_current", "progress_total", "unit_refs", "result_ref", "error", "created_at", "updated_at", "completed_at").
		From("job").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)

	var job storage.Job
	var status, unitRefs string
	var completedAt sql.NullTime
	err := row.Scan(
		&job.ID,
		&job.Owner,
		&status,
		&job.ProgressCurrent,
		&job.ProgressTotal,
		&unitRefs,
		&job.ResultRef,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	job.Status = storage.JobStatus(status)
	job.UnitRefs, err = sqlcommon.UnmarshalStringSlice(unitRefs)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}

	return &job, nil
}

// MarkJobProcessing see [storage.JobStore].MarkJobProcessing.
func (s *Datastore) MarkJobProcessing(ctx context.Context, id string) error {
	ctx, span := startTrace(ctx, "MarkJobProcessing")
	defer span.End()

	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("job").
			Set("status", string(storage.JobStatusProcessing)).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"id": id}).
			Where(sq.Eq{"status": []string{string(storage.JobStatusQueued), string(storage.JobStatusProcessing)}}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return s.checkJobWriteApplied(ctx, res, id)
}

// RecordJobUnit see [storage.JobStore].RecordJobUnit.
func (s *Datastore) RecordJobUnit(ctx context.Context, id string, unit int, unitRef string) error {
	ctx, span := startTrace(ctx, "RecordJobUnit")
	defer span.End()

	// The job row is single-writer, so a read followed by a guarded update
	// is race-free here; the progress guard turns replays into no-ops.
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}
	if unit > job.ProgressTotal {
		return storage.ErrUnitOutOfRange
	}
	if unit <= job.ProgressCurrent {
		return nil
	}
	if unit != job.ProgressCurrent+1 {
		return storage.ErrUnitOutOfRange
	}

	unitRefs, err := sqlcommon.MarshalStringSlice(append(job.UnitRefs, unitRef))
	if err != nil {
		return err
	}

	err = busyRetry(func() error {
		_, err := s.stbl.
			Update("job").
			Set("progress_current", unit).
			Set("unit_refs", unitRefs).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"id": id, "progress_current": unit - 1}).
			Where(sq.Eq{"status": string(storage.JobStatusProcessing)}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return nil
}

// CompleteJob see [storage.JobStore].CompleteJob.
func (s *Datastore) CompleteJob(ctx context.Context, id, resultRef string) error {
	ctx, span := startTrace(ctx, "CompleteJob")
	defer span.End()

	now := time.Now().UTC()
	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("job").
			Set("status", string(storage.JobStatusCompleted)).
			Set("result_ref", resultRef).
			Set("updated_at", now).
			Set("completed_at", now).
			Where(sq.Eq{"id": id}).
			Where(sq.NotEq{"status": []string{string(storage.JobStatusCompleted), string(storage.JobStatusFailed)}}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return s.checkJobWriteApplied(ctx, res, id)
}

// FailJob see [storage.JobStore].FailJob.
func (s *Datastore) FailJob(ctx context.Context, id, errMsg string) error {
	ctx, span := startTrace(ctx, "FailJob")
	defer span.End()

	now := time.Now().UTC()
	var res sql.Result
	err := busyRetry(func() error {
		var err error
		res, err = s.stbl.
			Update("job").
			Set("status", string(storage.JobStatusFailed)).
			Set("error", errMsg).
			Set("updated_at", now).
			Set("completed_at", now).
			Where(sq.Eq{"id": id}).
			Where(sq.NotEq{"status": []string{string(storage.JobStatusCompleted), string(storage.JobStatusFailed)}}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}

	return s.checkJobWriteApplied(ctx, res, id)
}

// checkJobWriteApplied distinguishes a missing row from a terminal-state row
// when a conditional job update touched nothing.
func (s *Datastore) checkJobWriteApplied(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return HandleSQLError(err)
	}
	if affected > 0 {
		return nil
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return storage.ErrJobTerminal
	}

	return nil
}

// IsReady see [storage.PipelineDatastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// HandleSQLError processes specific SQL errors as defined by the package.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. This function retries the operation up to
// maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
