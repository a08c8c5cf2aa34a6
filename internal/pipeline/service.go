package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/image"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/media"
	"github.com/jo-hoe/reelsmith/internal/script"
)

// Submitter hands a job id to whatever runs the orchestrator.
type Submitter interface {
	Submit(jobID string) error
}

// Service is the caller facing API: submit, status, result, cancel and previews.
type Service struct {
	Log   *slog.Logger
	Store jobs.Store
	Queue Submitter
	// Script and Image serve previews only.
	Script        script.Generator
	Image         image.Generator
	Policy        Policy
	PreviewScenes int
	// Providers lists the configured chain per capability.
	Providers map[string][]string
	// NewID overrides job id generation in tests.
	NewID func() string
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Log
}

// Status is the lightweight progress view of a job.
type Status struct {
	JobID           string     `json:"job_id"`
	Stage           jobs.Stage `json:"stage"`
	Progress        int        `json:"progress"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Attempts        int        `json:"attempts"`
	Title           string     `json:"title,omitempty"`
	Scenes          int        `json:"scenes"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func statusOf(j *jobs.Job) Status {
	st := Status{
		JobID:           j.ID,
		Stage:           j.Stage,
		Progress:        j.Progress,
		CancelRequested: j.CancelRequested,
		Attempts:        j.Attempts,
		Scenes:          len(j.Scenes),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.Error != nil {
		st.Error = *j.Error
	}
	if j.Script != nil {
		st.Title = j.Script.Title
	}
	return st
}

// Submit validates the request, creates the job and queues it.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	in, err := req.Normalize()
	if err != nil {
		return "", err
	}
	id, err := normalizeJobID(req.JobID)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
		if s.NewID != nil {
			id = s.NewID()
		}
	}
	if _, err := s.Store.Create(ctx, id, in); err != nil {
		return "", storeErr("create job", err)
	}
	if err := s.Queue.Submit(id); err != nil {
		if _, ferr := s.Store.RecordFailure(ctx, id, "not queued: "+err.Error()); ferr != nil {
			s.log().Warn("record queue rejection", "job_id", id, "err", ferr)
		}
		return "", fmt.Errorf("queue job: %w", err)
	}
	s.log().Info("job submitted", "job_id", id, "topic", in.Topic, "duration_minutes", in.DurationMinutes, "auto_publish", in.AutoPublish)
	return id, nil
}

// GetStatus reports stage and progress.
func (s *Service) GetStatus(ctx context.Context, id string) (Status, error) {
	j, err := s.Store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return statusOf(j), nil
}

// GetResult returns the outcome of a finished job, or ErrNotTerminal.
func (s *Service) GetResult(ctx context.Context, id string) (Result, error) {
	j, err := s.Store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !j.Stage.Terminal() {
		return ResultOf(j), ErrNotTerminal
	}
	return ResultOf(j), nil
}

// SceneList is the per-scene view of a job, including media attached so far.
type SceneList struct {
	JobID  string       `json:"job_id"`
	Stage  jobs.Stage   `json:"stage"`
	Scenes []jobs.Scene `json:"scenes"`
}

// GetScenes returns every scene with its attached image and audio, also for
// failed jobs whose partial media is kept for inspection.
func (s *Service) GetScenes(ctx context.Context, id string) (SceneList, error) {
	j, err := s.Store.Get(ctx, id)
	if err != nil {
		return SceneList{}, err
	}
	out := SceneList{JobID: j.ID, Stage: j.Stage, Scenes: j.Scenes}
	if out.Scenes == nil {
		out.Scenes = []jobs.Scene{}
	}
	return out, nil
}

// ListRequest pages through jobs. Stage is optional.
type ListRequest struct {
	Stage  string
	Limit  int
	Offset int
}

// JobList is one page of job statuses.
type JobList struct {
	Jobs   []Status `json:"jobs"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

var knownStages = map[jobs.Stage]struct{}{
	jobs.StagePending:    {},
	jobs.StageGenerating: {},
	jobs.StageProcessing: {},
	jobs.StageEditing:    {},
	jobs.StageUploading:  {},
	jobs.StageCompleted:  {},
	jobs.StageFailed:     {},
}

// List returns jobs oldest first, optionally only those in one stage.
func (s *Service) List(ctx context.Context, req ListRequest) (JobList, error) {
	stage := jobs.Stage(strings.ToLower(strings.TrimSpace(req.Stage)))
	if stage != "" {
		if _, ok := knownStages[stage]; !ok {
			return JobList{}, &ValidationError{Field: "stage", Reason: "unknown stage"}
		}
	}
	limit := req.Limit
	if limit == 0 {
		limit = common.DefaultListLimit
	}
	if limit < 0 || limit > common.MaxListLimit {
		return JobList{}, &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", common.MaxListLimit)}
	}
	if req.Offset < 0 {
		return JobList{}, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}

	list, total, err := s.Store.List(ctx, jobs.ListFilter{Stage: stage, Limit: limit, Offset: req.Offset})
	if err != nil {
		return JobList{}, storeErr("list jobs", err)
	}
	out := JobList{Jobs: make([]Status, len(list)), Total: total, Limit: limit, Offset: req.Offset}
	for i, j := range list {
		out.Jobs[i] = statusOf(j)
	}
	return out, nil
}

// Cancel asks the orchestrator to stop before its next stage. Finished jobs are left alone.
func (s *Service) Cancel(ctx context.Context, id string) (Status, error) {
	j, err := s.Store.RequestCancel(ctx, id)
	if err != nil {
		return Status{}, err
	}
	s.log().Info("cancel requested", "job_id", id, "stage", j.Stage)
	return statusOf(j), nil
}

// PreviewRequest asks for a short script and a few images without creating a job.
type PreviewRequest struct {
	Topic    string `json:"topic"`
	Style    string `json:"style,omitempty"`
	Language string `json:"language,omitempty"`
	Scenes   int    `json:"scenes,omitempty"`
}

// PreviewScene is one scene of a preview.
type PreviewScene struct {
	Ordinal      int           `json:"ordinal"`
	Narration    string        `json:"narration"`
	VisualPrompt string        `json:"visual_prompt"`
	Image        *artifact.Ref `json:"image,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Preview is a draft of what a job would produce.
type Preview struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags,omitempty"`
	Scenes      []PreviewScene `json:"scenes"`
}

// Preview drafts a short script and renders images for its first scenes.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (Preview, error) {
	in, err := Request{Topic: req.Topic, Style: req.Style, Language: req.Language, DurationMinutes: common.MinDurationMinutes}.Normalize()
	if err != nil {
		return Preview{}, err
	}
	limit := s.PreviewScenes
	if limit <= 0 {
		limit = common.DefaultPreviewScenes
	}
	n := req.Scenes
	if n <= 0 || n > limit {
		n = limit
	}

	sc, err := s.Script.Generate(ctx, script.Request{
		Topic:           in.Topic,
		DurationMinutes: in.DurationMinutes,
		Style:           in.Style,
		Language:        in.Language,
		MaxScenes:       n,
	})
	if err != nil {
		return Preview{}, &StageError{Stage: StageScript, Err: wrapCause(ErrScriptGeneration, err)}
	}
	if len(sc.Scenes) > n {
		sc.Scenes = sc.Scenes[:n]
	}

	out := Preview{Title: sc.Title, Description: sc.Description, Tags: sc.Tags, Scenes: make([]PreviewScene, len(sc.Scenes))}
	var tasks []media.Task
	for i, scene := range sc.Scenes {
		out.Scenes[i] = PreviewScene{Ordinal: i + 1, Narration: strings.TrimSpace(scene.Text), VisualPrompt: strings.TrimSpace(scene.VisualPrompt)}
		if out.Scenes[i].VisualPrompt != "" && s.Image != nil {
			tasks = append(tasks, media.ImageTask(i, out.Scenes[i].VisualPrompt, s.Image))
		}
	}
	for _, r := range media.RunAll(ctx, tasks, s.Policy.MaxConcurrency, s.Policy.TaskTimeout, nil) {
		if r.OK() {
			ref := r.Output.Ref
			out.Scenes[r.Scene].Image = &ref
		} else {
			out.Scenes[r.Scene].Error = r.Err.Error()
		}
	}
	return out, nil
}

// ListProviders returns the configured provider chains.
func (s *Service) ListProviders() map[string][]string {
	out := make(map[string][]string, len(s.Providers))
	for k, v := range s.Providers {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// IsQueueFull reports whether err came from a saturated queue.
func IsQueueFull(err error) bool {
	return errors.Is(err, jobs.ErrQueueFull)
}
