package generator

import (
	"context"

	"github.com/Affilience/genpipe/pkg/storage"
)

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, req Request) (*storage.Artifact, error)

func (f Func) Generate(ctx context.Context, req Request) (*storage.Artifact, error) {
	return f(ctx, req)
}
