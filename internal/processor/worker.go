package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/pipeline"
)

// Pipeline runs one job to a terminal stage.
type Pipeline interface {
	Run(ctx context.Context, jobID string) (pipeline.Result, error)
}

// Worker implements jobs.Processor: it runs the pipeline and notifies callbacks.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Pipeline Pipeline
	Client   *http.Client
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, p Pipeline) *Worker {
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Pipeline: p,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	res, err := w.Pipeline.Run(ctx, item.JobID)
	if pipeline.IsRetryable(err) {
		return err
	}
	if res.Stage.Terminal() {
		w.notify(ctx, res)
	}
	return err
}

// Retryable is the queue retry predicate.
func Retryable(err error) bool { return pipeline.IsRetryable(err) }

func (w *Worker) notify(ctx context.Context, res pipeline.Result) {
	job, err := w.Store.Get(ctx, res.JobID)
	if err != nil {
		w.log().Warn("load job for callback", "job_id", res.JobID, "err", err)
		return
	}
	if job.Inputs.CallbackURL == "" {
		return
	}
	if err := w.sendCallbackWithRetry(ctx, job.Inputs.CallbackURL, payloadOf(res)); err != nil {
		w.log().Warn("callback failed after retries", "job_id", res.JobID, "err", err)
	}
}

func (w *Worker) log() *slog.Logger {
	if w.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.Log
}

type callbackPayload struct {
	JobID           string          `json:"job_id"`
	Status          string          `json:"status"` // completed|failed
	Stage           string          `json:"stage"`
	Progress        int             `json:"progress"`
	Error           *string         `json:"error,omitempty"`
	Artifact        *artifact.Ref   `json:"artifact,omitempty"`
	AssemblySkipped bool            `json:"assembly_skipped"`
	Publish         *callbackResult `json:"publish,omitempty"`
}

type callbackResult struct {
	Provider string `json:"provider"`
	RemoteID string `json:"remote_id"`
	URL      string `json:"url"`
}

func payloadOf(res pipeline.Result) callbackPayload {
	p := callbackPayload{
		JobID:           res.JobID,
		Status:          common.StatusCompleted,
		Stage:           string(res.Stage),
		Progress:        res.Progress,
		Artifact:        res.Artifact,
		AssemblySkipped: res.AssemblySkipped,
	}
	if res.Stage == jobs.StageFailed {
		p.Status = common.StatusFailed
		msg := res.Error
		p.Error = &msg
	}
	if res.Publish != nil {
		p.Publish = &callbackResult{Provider: res.Publish.Provider, RemoteID: res.Publish.RemoteID, URL: res.Publish.URL}
	}
	return p
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := 3
	backoff := 2 * time.Second
	if w.Cfg != nil {
		if w.Cfg.Server.CallbackRetries > 0 {
			max = w.Cfg.Server.CallbackRetries
		}
		if w.Cfg.Server.CallbackBackoff > 0 {
			backoff = w.Cfg.Server.CallbackBackoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		err := w.postJSON(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return err
		}
		if attempt == max {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * backoff):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	req.Header.Set(common.HeaderUserAgent, common.DefaultUserAgent)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
