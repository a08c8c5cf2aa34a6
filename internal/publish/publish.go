package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/reelsmith/internal/fallback"
)

// ErrPublish marks a failed upload. Publishing is fatal to a job when requested.
var ErrPublish = errors.New("publish failed")

// Publisher is an output destination for a finished video.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, req Request) (Result, error)
}

// Request contains the video file and the metadata shown next to it.
type Request struct {
	JobID       string
	VideoPath   string
	Title       string
	Description string
	Tags        []string
	Timestamp   time.Time
}

// Result describes where the video landed.
type Result struct {
	Provider string
	RemoteID string
	URL      string
}

// Chain holds publishers in the order they are tried.
type Chain struct {
	log        *slog.Logger
	candidates []fallback.Candidate[Publisher]
}

var _ Publisher = (*Chain)(nil)

func NewChain(log *slog.Logger) *Chain {
	return &Chain{log: log}
}

func (c *Chain) Add(p Publisher) {
	c.candidates = append(c.candidates, fallback.Candidate[Publisher]{Name: p.Name(), Value: p})
}

func (c *Chain) Name() string { return "chain" }

// Names lists publishers in order.
func (c *Chain) Names() []string {
	return fallback.Names(c.candidates)
}

// Len reports how many publishers are configured.
func (c *Chain) Len() int { return len(c.candidates) }

// Publish tries each publisher until one succeeds.
func (c *Chain) Publish(ctx context.Context, req Request) (Result, error) {
	res, _, err := fallback.Run(ctx, "publish", c.log, c.candidates, func(ctx context.Context, p Publisher) (Result, error) {
		r, err := p.Publish(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if r.Provider == "" {
			r.Provider = p.Name()
		}
		return r, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return res, nil
}
