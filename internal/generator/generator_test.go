package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Affilience/genpipe/pkg/logger"
	"github.com/Affilience/genpipe/pkg/storage"
)

var parseReq = Request{
	Topic:      "trigonometry",
	Subtopic:   "identities",
	Difficulty: "higher",
	Board:      "aqa",
}

func TestParseArtifactPlainJSON(t *testing.T) {
	raw := `{"question": "Prove sin^2 + cos^2 = 1.", "solution": "Use the unit circle.", "mark_scheme": ["M1 for definition", "A1 for conclusion"]}`

	artifact, err := ParseArtifact(raw, parseReq)
	require.NoError(t, err)
	require.Equal(t, "Prove sin^2 + cos^2 = 1.", artifact.Content)
	require.Equal(t, "Use the unit circle.", artifact.Solution)
	require.Equal(t, []string{"M1 for definition", "A1 for conclusion"}, artifact.MarkScheme)
	require.NotEmpty(t, artifact.ID)
	require.Equal(t, parseReq.Key().Normalize(), artifact.Key)
}

func TestParseArtifactStripsCodeFences(t *testing.T) {
	raw := "Here is the question:\n```json\n{\"question\": \"Simplify tan x cos x.\", \"solution\": \"sin x\"}\n```\n"

	artifact, err := ParseArtifact(raw, parseReq)
	require.NoError(t, err)
	require.Equal(t, "Simplify tan x cos x.", artifact.Content)
	require.Empty(t, artifact.MarkScheme)
}

func TestParseArtifactRejectsNonJSON(t *testing.T) {
	_, err := ParseArtifact("I cannot help with that.", parseReq)
	require.ErrorIs(t, err, ErrMalformedOutput)
}

func TestParseArtifactRejectsMissingQuestion(t *testing.T) {
	_, err := ParseArtifact(`{"solution": "42"}`, parseReq)
	require.ErrorIs(t, err, ErrMalformedOutput)

	_, err = ParseArtifact(`{"question": "   "}`, parseReq)
	require.ErrorIs(t, err, ErrMalformedOutput)
}

func TestParseArtifactDropsBlankSchemeLines(t *testing.T) {
	raw := `{"question": "Q", "mark_scheme": ["M1", "  ", ""]}`

	artifact, err := ParseArtifact(raw, parseReq)
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, artifact.MarkScheme)
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	attempts := 0
	inner := Func(func(ctx context.Context, req Request) (*storage.Artifact, error) {
		attempts++
		if attempts < 3 {
			return nil, ErrUnavailable
		}
		return &storage.Artifact{ID: storage.NewArtifactID(), Content: "Q"}, nil
	})

	gen := WithRetry(inner, 5*time.Second, logger.NewNoopLogger())
	artifact, err := gen.Generate(context.Background(), parseReq)
	require.NoError(t, err)
	require.Equal(t, "Q", artifact.Content)
	require.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inner := Func(func(ctx context.Context, req Request) (*storage.Artifact, error) {
		cancel()
		return nil, context.Canceled
	})

	gen := WithRetry(inner, time.Minute, logger.NewNoopLogger())
	_, err := gen.Generate(ctx, parseReq)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithRetryGivesUpAfterMaxElapsed(t *testing.T) {
	inner := Func(func(ctx context.Context, req Request) (*storage.Artifact, error) {
		return nil, errors.New("always failing")
	})

	gen := WithRetry(inner, 50*time.Millisecond, logger.NewNoopLogger())
	_, err := gen.Generate(context.Background(), parseReq)
	require.Error(t, err)
}
