// Package generator defines the external text-completion collaborator that
// turns request parameters into a generated artifact, and the tolerant
// parsing of its raw output.
package generator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Affilience/genpipe/pkg/storage"
)

var (
	// ErrMalformedOutput if the raw completion could not be parsed into an
	// artifact. Treated as a retryable miss, never a crash.
	ErrMalformedOutput = errors.New("generator returned malformed output")

	// ErrUnavailable if the completion provider could not be reached or
	// returned a transient failure.
	ErrUnavailable = errors.New("generator unavailable")
)

// Request carries the semantic parameters of one generation.
type Request struct {
	Topic      string
	Subtopic   string
	Difficulty string
	Board      string
}

// Key returns the cache pool key for the request.
func (r Request) Key() storage.ArtifactKey {
	return storage.ArtifactKey{
		Topic:      r.Topic,
		Subtopic:   r.Subtopic,
		Difficulty: r.Difficulty,
		Board:      r.Board,
	}
}

// Generator produces one artifact per call. Implementations must honor
// context cancellation; calls may block on network I/O.
type Generator interface {
	Generate(ctx context.Context, req Request) (*storage.Artifact, error)
}

// ParseArtifact extracts an artifact from the raw completion text. The model
// is asked for a JSON object but habitually wraps it in code fences or
// leading prose, so parsing starts at the first brace and stops at the last.
func ParseArtifact(raw string, req Request) (*storage.Artifact, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, ErrMalformedOutput
	}

	doc := raw[start : end+1]
	if !gjson.Valid(doc) {
		return nil, ErrMalformedOutput
	}

	question := gjson.Get(doc, "question")
	if !question.Exists() || strings.TrimSpace(question.String()) == "" {
		return nil, ErrMalformedOutput
	}

	var markScheme []string
	for _, line := range gjson.Get(doc, "mark_scheme").Array() {
		if s := strings.TrimSpace(line.String()); s != "" {
			markScheme = append(markScheme, s)
		}
	}

	return &storage.Artifact{
		ID:         storage.NewArtifactID(),
		Key:        req.Key().Normalize(),
		Content:    strings.TrimSpace(question.String()),
		Solution:   strings.TrimSpace(gjson.Get(doc, "solution").String()),
		MarkScheme: markScheme,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
