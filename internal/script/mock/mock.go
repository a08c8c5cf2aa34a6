package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/script"
)

var _ script.Generator = (*Client)(nil)

// Client returns a deterministic script without calling any model.
type Client struct {
	delay time.Duration
}

func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

func (c *Client) Generate(ctx context.Context, req script.Request) (jobs.Script, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return jobs.Script{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	n := script.SceneCount(req.DurationMinutes)
	if req.MaxScenes > 0 && n > req.MaxScenes {
		n = req.MaxScenes
	}
	per := float64(req.DurationMinutes*60) / float64(n)
	if per <= 0 {
		per = 5
	}
	out := jobs.Script{
		Title:       fmt.Sprintf("All about %s", req.Topic),
		Description: fmt.Sprintf("A %s look at %s.", req.Style, req.Topic),
		Tags:        []string{req.Style, req.Language},
	}
	for i := 1; i <= n; i++ {
		out.Scenes = append(out.Scenes, jobs.ScriptScene{
			Ordinal:         i,
			Text:            fmt.Sprintf("Part %d of our story about %s.", i, req.Topic),
			VisualPrompt:    fmt.Sprintf("%s, illustration %d", req.Topic, i),
			DurationSeconds: per,
		})
	}
	return out, nil
}
