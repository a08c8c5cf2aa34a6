package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/fallback"
)

// ErrImageGeneration marks any failure to turn a prompt into an image.
var ErrImageGeneration = errors.New("image generation failed")

// Generator turns a visual prompt into a stored image artifact.
type Generator interface {
	Generate(ctx context.Context, prompt string) (artifact.Ref, error)
}

// Chain tries its generators in order until one succeeds.
type Chain struct {
	log        *slog.Logger
	candidates []fallback.Candidate[Generator]
}

var _ Generator = (*Chain)(nil)

func NewChain(log *slog.Logger, candidates ...fallback.Candidate[Generator]) *Chain {
	return &Chain{log: log, candidates: candidates}
}

func (c *Chain) Generate(ctx context.Context, prompt string) (artifact.Ref, error) {
	ref, _, err := fallback.Run(ctx, "image", c.log, c.candidates, func(ctx context.Context, g Generator) (artifact.Ref, error) {
		return g.Generate(ctx, prompt)
	})
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: %w", ErrImageGeneration, err)
	}
	return ref, nil
}

// Providers lists the configured generators in the order they are tried.
func (c *Chain) Providers() []string {
	return fallback.Names(c.candidates)
}
