// Package server implements the pipeline service: quota-gated generation,
// asynchronous assembly, and cache administration.
package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Affilience/genpipe/internal/cache"
	"github.com/Affilience/genpipe/internal/generator"
	"github.com/Affilience/genpipe/internal/jobs"
	"github.com/Affilience/genpipe/internal/quota"
	"github.com/Affilience/genpipe/internal/tier"
	"github.com/Affilience/genpipe/internal/validation"
	"github.com/Affilience/genpipe/pkg/logger"
	serverErrors "github.com/Affilience/genpipe/pkg/server/errors"
	"github.com/Affilience/genpipe/pkg/storage"
)

var tracer = otel.Tracer("pkg/server")

const (
	endpointGenerate = "generate"
	endpointAssemble = "assemble"
)

// Server wires the quota ledger, cache, and job orchestrator behind the
// caller-facing operations.
type Server struct {
	logger       logger.Logger
	datastore    storage.PipelineDatastore
	tiers        *tier.Registry
	ledger       *quota.Ledger
	cache        *cache.Cache
	orchestrator *jobs.Orchestrator

	generationWindow time.Duration
	assemblyWindow   time.Duration
	warmTargetDepth  int64
}

type ServerOption func(s *Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithGenerationWindow(d time.Duration) ServerOption {
	return func(s *Server) { s.generationWindow = d }
}

func WithAssemblyWindow(d time.Duration) ServerOption {
	return func(s *Server) { s.assemblyWindow = d }
}

func WithWarmTargetDepth(n int64) ServerOption {
	return func(s *Server) { s.warmTargetDepth = n }
}

func New(datastore storage.PipelineDatastore, c *cache.Cache, o *jobs.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		logger:           logger.NewNoopLogger(),
		datastore:        datastore,
		tiers:            tier.NewRegistry(),
		ledger:           nil,
		cache:            c,
		orchestrator:     o,
		generationWindow: 24 * time.Hour,
		assemblyWindow:   7 * 24 * time.Hour,
		warmTargetDepth:  10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = quota.NewLedger(datastore, s.logger)
	return s
}

// GenerateRequest is one single-artifact request.
type GenerateRequest struct {
	Topic      string `json:"topic"`
	Subtopic   string `json:"subtopic"`
	Difficulty string `json:"difficulty"`
	Board      string `json:"board"`
}

func (r GenerateRequest) toGenerator() generator.Request {
	return generator.Request{
		Topic:      r.Topic,
		Subtopic:   r.Subtopic,
		Difficulty: r.Difficulty,
		Board:      r.Board,
	}
}

// ArtifactView is the caller-facing shape of an artifact. Solution fields
// are omitted for tiers without the solutions feature.
type ArtifactView struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Solution   string   `json:"solution,omitempty"`
	MarkScheme []string `json:"markScheme,omitempty"`
}

// GenerateResponse carries the artifact, any consistency issues found in it,
// and the caller's remaining quota.
type GenerateResponse struct {
	Artifact  ArtifactView       `json:"artifact"`
	Issues    []validation.Issue `json:"issues,omitempty"`
	Remaining int64              `json:"remaining"`
	ResetAt   *time.Time         `json:"resetAt,omitempty"`
}

// Generate admits the request against the caller's daily generation quota
// and serves one artifact, from the pool when possible.
func (s *Server) Generate(ctx context.Context, identity string, t *tier.Tier, req GenerateRequest) (*GenerateResponse, error) {
	ctx, span := tracer.Start(ctx, "server.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("tier", t.Name))

	if req.Topic == "" || req.Difficulty == "" {
		return nil, serverErrors.ValidationFailed("topic and difficulty are required")
	}

	decision, err := s.ledger.CheckAndConsume(ctx, identity, endpointGenerate, t.GenerationsPerDay, s.generationWindow)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}
	if !decision.Allowed {
		return nil, serverErrors.QuotaExceeded(decision.Remaining, decision.ResetAt)
	}

	artifact, result, err := s.cache.Obtain(ctx, req.toGenerator())
	if err != nil {
		if errors.Is(err, generator.ErrUnavailable) || errors.Is(err, generator.ErrMalformedOutput) {
			return nil, serverErrors.GeneratorUnavailable(err)
		}
		return nil, serverErrors.HandleError(err)
	}

	resp := &GenerateResponse{
		Artifact:  s.artifactView(artifact, t),
		Issues:    result.Issues,
		Remaining: decision.Remaining,
	}
	if !decision.ResetAt.IsZero() {
		resetAt := decision.ResetAt
		resp.ResetAt = &resetAt
	}
	return resp, nil
}

func (s *Server) artifactView(a *storage.Artifact, t *tier.Tier) ArtifactView {
	view := ArtifactView{ID: a.ID, Content: a.Content}
	if t.HasFeature(tier.FeatureSolutions) {
		view.Solution = a.Solution
		view.MarkScheme = a.MarkScheme
	}
	return view
}

// AssembleRequest asks for a paper of Units artifacts sharing the same
// request parameters.
type AssembleRequest struct {
	GenerateRequest
	Units int `json:"units"`
}

// AssembleResponse returns the job handle the caller polls.
type AssembleResponse struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Assemble creates a durable assembly job and starts executing it in the
// background. The response returns immediately with the job id to poll.
func (s *Server) Assemble(ctx context.Context, identity string, t *tier.Tier, req AssembleRequest) (*AssembleResponse, error) {
	ctx, span := tracer.Start(ctx, "server.Assemble")
	defer span.End()

	if !t.HasFeature(tier.FeatureAssemble) {
		return nil, serverErrors.FeatureNotAllowed(tier.FeatureAssemble)
	}
	if req.Topic == "" || req.Difficulty == "" {
		return nil, serverErrors.ValidationFailed("topic and difficulty are required")
	}

	decision, err := s.ledger.CheckAndConsume(ctx, identity, endpointAssemble, t.AssembliesPerWeek, s.assemblyWindow)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}
	if !decision.Allowed {
		return nil, serverErrors.QuotaExceeded(decision.Remaining, decision.ResetAt)
	}

	units := make([]generator.Request, req.Units)
	for i := range units {
		units[i] = req.toGenerator()
	}

	job, err := s.orchestrator.Create(ctx, identity, units)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	return &AssembleResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	}, nil
}

// JobStatusResponse is the pollable view of a job.
type JobStatusResponse struct {
	JobID     string     `json:"jobId"`
	Status    string     `json:"status"`
	Progress  Progress   `json:"progress"`
	ResultRef string     `json:"resultRef,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Completed *time.Time `json:"completedAt,omitempty"`
}

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// JobStatus returns the caller's view of a job, or not-found/forbidden when
// the job does not exist or belongs to someone else.
func (s *Server) JobStatus(ctx context.Context, identity, jobID string) (*JobStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "server.JobStatus")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	job, err := s.orchestrator.Status(ctx, jobID, identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, serverErrors.JobNotFound(jobID)
		}
		return nil, serverErrors.HandleError(err)
	}

	return &JobStatusResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Progress:  Progress{Current: job.ProgressCurrent, Total: job.ProgressTotal},
		ResultRef: job.ResultRef,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Completed: job.CompletedAt,
	}, nil
}

// WarmRequest selects pools to pre-populate.
type WarmRequest struct {
	Selectors   []GenerateRequest `json:"selectors"`
	TargetDepth int64             `json:"targetDepth"`
	BatchSize   int64             `json:"batchSize"`
}

// WarmCache pre-populates the selected pools. Restricted to tiers with the
// cache-ops feature.
func (s *Server) WarmCache(ctx context.Context, t *tier.Tier, req WarmRequest) (*cache.WarmResult, error) {
	ctx, span := tracer.Start(ctx, "server.WarmCache")
	defer span.End()

	if !t.HasFeature(tier.FeatureCacheOps) {
		return nil, serverErrors.FeatureNotAllowed(tier.FeatureCacheOps)
	}
	if len(req.Selectors) == 0 {
		return nil, serverErrors.ValidationFailed("at least one selector is required")
	}

	target := req.TargetDepth
	if target <= 0 {
		target = s.warmTargetDepth
	}

	keys := make([]storage.ArtifactKey, 0, len(req.Selectors))
	for _, sel := range req.Selectors {
		if sel.Topic == "" || sel.Difficulty == "" {
			return nil, serverErrors.ValidationFailed("every selector needs topic and difficulty")
		}
		keys = append(keys, sel.toGenerator().Key())
	}

	result, err := s.cache.Warm(ctx, cache.WarmRequest{
		Keys:        keys,
		TargetDepth: target,
		BatchSize:   req.BatchSize,
	})
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}
	return &result, nil
}

// CacheStatsResponse reports pool depths.
type CacheStatsResponse struct {
	Pools      []storage.PoolStat `json:"pools"`
	TotalDepth int64              `json:"totalDepth"`
}

// CacheStats reports the depth of every non-empty pool. Restricted to tiers
// with the cache-ops feature.
func (s *Server) CacheStats(ctx context.Context, t *tier.Tier) (*CacheStatsResponse, error) {
	ctx, span := tracer.Start(ctx, "server.CacheStats")
	defer span.End()

	if !t.HasFeature(tier.FeatureCacheOps) {
		return nil, serverErrors.FeatureNotAllowed(tier.FeatureCacheOps)
	}

	pools, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	resp := &CacheStatsResponse{Pools: pools}
	for _, p := range pools {
		resp.TotalDepth += p.Depth
	}
	return resp, nil
}

// ResolveTier maps the edge-proxy tier header to tier limits.
func (s *Server) ResolveTier(name string) *tier.Tier {
	return s.tiers.Resolve(name)
}

// IsReady reports whether the underlying datastore is reachable.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	return s.datastore.IsReady(ctx)
}

// Close drains background jobs and releases the cache.
func (s *Server) Close() {
	s.orchestrator.Wait()
	s.cache.Close()
}
