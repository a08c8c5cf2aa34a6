package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/reelsmith/internal/fallback"
	"github.com/jo-hoe/reelsmith/internal/jobs"
)

// ErrScriptGeneration marks malformed or unusable generator output.
var ErrScriptGeneration = errors.New("script generation failed")

// Request carries the inputs a script is written for.
type Request struct {
	Topic           string
	DurationMinutes int
	Style           string
	Language        string
	// MaxScenes caps the scene count when > 0. Used for previews.
	MaxScenes int
}

// Generator writes a structured narration script for a topic.
type Generator interface {
	Generate(ctx context.Context, req Request) (jobs.Script, error)
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

func (c *Chain) Generate(ctx context.Context, req Request) (jobs.Script, error) {
	s, _, err := fallback.Run(ctx, "script", c.log, c.candidates, func(ctx context.Context, g Generator) (jobs.Script, error) {
		return g.Generate(ctx, req)
	})
	if err != nil {
		return jobs.Script{}, fmt.Errorf("%w: %w", ErrScriptGeneration, err)
	}
	return s, nil
}

// Providers lists the configured generators in the order they are tried.
func (c *Chain) Providers() []string {
	return fallback.Names(c.candidates)
}

// SceneCount suggests how many scenes fit a video of the given length.
func SceneCount(durationMinutes int) int {
	n := durationMinutes * 4
	if n < 2 {
		n = 2
	}
	if n > 40 {
		n = 40
	}
	return n
}
