package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/fallback"
)

// ErrVoiceGeneration marks any failure to synthesize narration.
var ErrVoiceGeneration = errors.New("voice generation failed")

// Speech is a synthesized narration clip and its spoken length.
type Speech struct {
	Ref     artifact.Ref
	Seconds float64
}

// Generator synthesizes text in the given language.
type Generator interface {
	Generate(ctx context.Context, text, language string) (Speech, error)
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

func (c *Chain) Generate(ctx context.Context, text, language string) (Speech, error) {
	sp, _, err := fallback.Run(ctx, "voice", c.log, c.candidates, func(ctx context.Context, g Generator) (Speech, error) {
		return g.Generate(ctx, text, language)
	})
	if err != nil {
		return Speech{}, fmt.Errorf("%w: %w", ErrVoiceGeneration, err)
	}
	return sp, nil
}

// Providers lists the configured generators in the order they are tried.
func (c *Chain) Providers() []string {
	return fallback.Names(c.candidates)
}

// EstimateSeconds approximates how long text takes to read aloud at wordsPerMinute.
func EstimateSeconds(text string, wordsPerMinute int) float64 {
	if wordsPerMinute <= 0 {
		return 0
	}
	words := len(strings.Fields(text))
	return float64(words) * 60 / float64(wordsPerMinute)
}
