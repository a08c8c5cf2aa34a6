package pollinations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/image"
)

const (
	defaultBaseURL  = "https://image.pollinations.ai"
	defaultWidth    = 1920
	defaultHeight   = 1080
	defaultModel    = "flux"
	defaultAttempts = 3
	defaultMaxBytes = 20 << 20
	minImageBytes   = 100
)

// ArtifactWriter persists generated bytes and returns a reference to them.
type ArtifactWriter interface {
	Put(kind artifact.Kind, ext string, r io.Reader, maxBytes int64) (artifact.Ref, error)
}

// Options configures the Pollinations client. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	Width             int
	Height            int
	Model             string
	StyleSuffix       string
	RequestsPerMinute int
	MaxAttempts       int
	Backoff           time.Duration
	Timeout           time.Duration
	MaxBytes          int64
}

// Client generates images through the keyless Pollinations HTTP endpoint.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	store   ArtifactWriter
	log     *slog.Logger
}

var _ image.Generator = (*Client)(nil)

func New(opts Options, store ArtifactWriter, log *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultHeight
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		store:   store,
		log:     log,
	}
}

func (c *Client) Generate(ctx context.Context, prompt string) (artifact.Ref, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return artifact.Ref{}, fmt.Errorf("%w: empty prompt", image.ErrImageGeneration)
	}
	if c.opts.StyleSuffix != "" {
		prompt = prompt + ", " + c.opts.StyleSuffix
	}
	u := c.imageURL(prompt)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return artifact.Ref{}, fmt.Errorf("%w: %w", image.ErrImageGeneration, err)
		}
		data, ext, err := c.download(ctx, u)
		if err == nil {
			ref, err := c.store.Put(artifact.KindImage, ext, bytes.NewReader(data), c.opts.MaxBytes)
			if err != nil {
				return artifact.Ref{}, fmt.Errorf("%w: store image: %w", image.ErrImageGeneration, err)
			}
			return ref, nil
		}
		lastErr = err
		c.log.Warn("pollinations request failed", "attempt", attempt, "err", err)
		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return artifact.Ref{}, fmt.Errorf("%w: %w", image.ErrImageGeneration, ctx.Err())
		case <-time.After(time.Duration(attempt) * c.opts.Backoff):
		}
	}
	return artifact.Ref{}, fmt.Errorf("%w: pollinations failed after %d attempts: %w", image.ErrImageGeneration, c.opts.MaxAttempts, lastErr)
}

func (c *Client) imageURL(prompt string) string {
	q := url.Values{}
	q.Set("width", fmt.Sprint(c.opts.Width))
	q.Set("height", fmt.Sprint(c.opts.Height))
	q.Set("model", c.opts.Model)
	q.Set("nologo", "true")
	q.Set("seed", fmt.Sprint(seedFor(prompt)))
	return fmt.Sprintf("%s/prompt/%s?%s", c.opts.BaseURL, url.PathEscape(prompt), q.Encode())
}

func (c *Client) download(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set(common.HeaderUserAgent, common.DefaultUserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q", ct)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > c.opts.MaxBytes {
		return nil, "", errors.New("image exceeds size limit")
	}
	if len(data) < minImageBytes {
		return nil, "", fmt.Errorf("response too small (%d bytes)", len(data))
	}
	return data, extensionFor(ct), nil
}

// seedFor keeps retries of the same prompt visually stable.
func seedFor(prompt string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum32() % 1_000_000
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
