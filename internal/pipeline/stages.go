package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/assembly"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/image"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/media"
	"github.com/jo-hoe/reelsmith/internal/publish"
	"github.com/jo-hoe/reelsmith/internal/script"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

// Progress checkpoints.
const (
	progressScriptEnter    = 5
	progressScriptAccepted = 10
	progressScriptExit     = 25
	progressMediaEnter     = 30
	progressImagesDone     = 45
	progressVoiceDone      = 60
	progressEditingEnter   = 70
	progressEditingExit    = 85
	progressUploading      = 90
	progressCompleted      = 100
)

// Policy tunes the media stage.
type Policy struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	// ImageFailureTolerance is the largest failed share of image tasks that is still accepted.
	ImageFailureTolerance float64
	// FallbackImageSeconds is how long a scene without narration audio stays on screen.
	FallbackImageSeconds float64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrency:        common.DefaultMaxConcurrency,
		TaskTimeout:           common.DefaultTaskTimeout,
		ImageFailureTolerance: common.DefaultImageTolerance,
		FallbackImageSeconds:  common.DefaultFallbackImageLength.Seconds(),
	}
}

// PathResolver turns an artifact reference into a local file path.
type PathResolver interface {
	Path(ref artifact.Ref) (string, error)
}

// Runner executes single stages. Each method persists its outcome through Store
// before returning and hands back the latest job snapshot.
type Runner struct {
	Log       *slog.Logger
	Store     jobs.Store
	Script    script.Generator
	Image     image.Generator
	Voice     voice.Generator
	Assembler assembly.Assembler
	Publisher publish.Publisher
	Files     PathResolver
	Policy    Policy
}

func (r *Runner) log() *slog.Logger {
	if r.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Log
}

// passed reports whether the job is already at or beyond a checkpoint.
func passed(j *jobs.Job, stage jobs.Stage, progress int) bool {
	if j.Stage.Rank() > stage.Rank() {
		return true
	}
	return j.Stage == stage && j.Progress >= progress
}

func (r *Runner) advance(ctx context.Context, j *jobs.Job, stage jobs.Stage, progress int) (*jobs.Job, error) {
	if passed(j, stage, progress) {
		return j, nil
	}
	next, err := r.Store.Transition(ctx, j.ID, stage, progress)
	if err != nil {
		return j, storeErr(fmt.Sprintf("transition to %s(%d)", stage, progress), err)
	}
	r.log().Debug("progress", "job_id", j.ID, "stage", stage, "progress", progress)
	return next, nil
}

// RunScript generates and attaches the script. A job that already has one is not regenerated.
func (r *Runner) RunScript(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	j, err := r.advance(ctx, j, jobs.StageGenerating, progressScriptEnter)
	if err != nil {
		return j, err
	}
	if j.Script == nil {
		s, err := r.Script.Generate(ctx, script.Request{
			Topic:           j.Inputs.Topic,
			DurationMinutes: j.Inputs.DurationMinutes,
			Style:           j.Inputs.Style,
			Language:        j.Inputs.Language,
		})
		if err != nil {
			return j, &StageError{Stage: StageScript, Err: wrapCause(ErrScriptGeneration, err)}
		}
		if !script.HasNarration(s) {
			return j, &StageError{Stage: StageScript, Err: ErrEmptyScript}
		}
		if j, err = r.advance(ctx, j, jobs.StageGenerating, progressScriptAccepted); err != nil {
			return j, err
		}
		next, err := r.Store.AttachScript(ctx, j.ID, s)
		if err != nil {
			return j, storeErr("attach script", err)
		}
		j = next
		r.log().Info("script attached", "job_id", j.ID, "scenes", len(j.Scenes), "title", s.Title)
	}
	return r.advance(ctx, j, jobs.StageGenerating, progressScriptExit)
}

// RunMedia renders images then narration for every scene that still lacks them.
func (r *Runner) RunMedia(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	j, err := r.advance(ctx, j, jobs.StageProcessing, progressMediaEnter)
	if err != nil {
		return j, err
	}

	var imageTasks []media.Task
	imageTotal := 0
	for i, sc := range j.Scenes {
		if strings.TrimSpace(sc.VisualPrompt) == "" {
			continue
		}
		imageTotal++
		if sc.Image == nil {
			imageTasks = append(imageTasks, media.ImageTask(i, sc.VisualPrompt, r.Image))
		}
	}
	j, results, err := r.fanOut(ctx, j, imageTasks, imageTotal, progressMediaEnter, progressImagesDone)
	if err != nil {
		return j, err
	}
	sum := media.Summarize(results)
	failed := sum.Failed[artifact.KindImage]
	if imageTotal > 0 && float64(failed)/float64(imageTotal) > r.Policy.ImageFailureTolerance {
		return j, &StageError{Stage: StageMedia, Err: fmt.Errorf("%w: %d of %d images failed: %w",
			ErrMediaGenerationFailed, failed, imageTotal, media.FirstError(results, artifact.KindImage))}
	}
	if j, err = r.advance(ctx, j, jobs.StageProcessing, progressImagesDone); err != nil {
		return j, err
	}

	var audioTasks []media.Task
	audioTotal := 0
	for i, sc := range j.Scenes {
		if strings.TrimSpace(sc.Narration) == "" {
			continue
		}
		audioTotal++
		if sc.Audio == nil {
			audioTasks = append(audioTasks, media.AudioTask(i, sc.Narration, j.Inputs.Language, r.Voice))
		}
	}
	j, results, err = r.fanOut(ctx, j, audioTasks, audioTotal, progressImagesDone, progressVoiceDone)
	if err != nil {
		return j, err
	}
	if cause := media.FirstError(results, artifact.KindAudio); cause != nil {
		failed := media.Summarize(results).Failed[artifact.KindAudio]
		return j, &StageError{Stage: StageMedia, Err: fmt.Errorf("%w: %d of %d narrations failed: %w",
			ErrMediaGenerationFailed, failed, audioTotal, cause)}
	}
	return r.advance(ctx, j, jobs.StageProcessing, progressVoiceDone)
}

// fanOut runs tasks, attaching each success as it resolves and moving progress
// from lo toward hi. total includes scenes that already had their artifact.
func (r *Runner) fanOut(ctx context.Context, j *jobs.Job, tasks []media.Task, total, lo, hi int) (*jobs.Job, []media.Result, error) {
	if len(tasks) == 0 {
		return j, nil, nil
	}
	log := r.log().With("job_id", j.ID)
	var (
		latest   = j
		done     = total - len(tasks)
		firstErr error
	)
	onResult := func(_ int, res media.Result) {
		done++
		if !res.OK() {
			log.Warn("media task failed", "scene", res.Scene+1, "kind", res.Kind, "err", res.Err)
		} else if firstErr == nil {
			ref := res.Output.Ref
			ref.Kind = res.Kind
			next, err := r.Store.AttachSceneArtifact(ctx, j.ID, res.Scene, ref, res.Output.Seconds)
			if err != nil {
				firstErr = storeErr("attach scene artifact", err)
				return
			}
			latest = next
		}
		if firstErr != nil {
			return
		}
		p := lo + (hi-lo)*done/total
		if p >= hi {
			p = hi - 1 // the sub-phase exit is written by the caller once tolerance is checked
		}
		next, err := r.advance(ctx, latest, jobs.StageProcessing, p)
		if err != nil {
			firstErr = err
			return
		}
		latest = next
	}
	results := media.RunAll(ctx, tasks, r.Policy.MaxConcurrency, r.Policy.TaskTimeout, onResult)
	return latest, results, firstErr
}

// RunAssembly muxes the scenes into a video. Failures never fail the job: they
// leave a skipped marker in place of the artifact.
func (r *Runner) RunAssembly(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	j, err := r.advance(ctx, j, jobs.StageEditing, progressEditingEnter)
	if err != nil {
		return j, err
	}
	if j.Artifact == nil {
		ref := r.assemble(ctx, j)
		next, err := r.Store.AttachFinalArtifact(ctx, j.ID, ref)
		if err != nil {
			return j, storeErr("attach final artifact", err)
		}
		j = next
	}
	return r.advance(ctx, j, jobs.StageEditing, progressEditingExit)
}

func (r *Runner) assemble(ctx context.Context, j *jobs.Job) artifact.Ref {
	log := r.log().With("job_id", j.ID)
	if r.Assembler == nil {
		return artifact.Skipped(artifact.KindVideo, "no assembler configured")
	}
	req := assembly.Request{JobID: j.ID, Clips: r.clips(j), Subtitles: j.Inputs.GenerateSubtitles}
	ref, err := r.Assembler.Assemble(ctx, req)
	if err != nil {
		log.Warn("assembly failed, continuing without video", "err", err)
		return artifact.Skipped(artifact.KindVideo, wrapCause(ErrAssembly, err).Error())
	}
	ref.Kind = artifact.KindVideo
	if ref.Skipped {
		log.Warn("assembly skipped", "note", ref.Note)
	} else {
		log.Info("video assembled", "handle", ref.Handle, "seconds", assembly.TotalSeconds(req.Clips))
	}
	return ref
}

func (r *Runner) clips(j *jobs.Job) []assembly.Clip {
	fallback := r.Policy.FallbackImageSeconds
	if fallback <= 0 {
		fallback = common.DefaultFallbackImageLength.Seconds()
	}
	clips := make([]assembly.Clip, len(j.Scenes))
	for i, sc := range j.Scenes {
		c := assembly.Clip{Ordinal: sc.Ordinal, Text: sc.Narration, Seconds: fallback}
		if sc.AudioSeconds > 0 {
			c.Seconds = sc.AudioSeconds
		}
		c.ImagePath = r.resolve(j.ID, sc.Image)
		c.AudioPath = r.resolve(j.ID, sc.Audio)
		clips[i] = c
	}
	return clips
}

func (r *Runner) resolve(jobID string, ref *artifact.Ref) string {
	if ref == nil || !ref.Usable() || r.Files == nil {
		return ""
	}
	p, err := r.Files.Path(*ref)
	if err != nil {
		r.log().Warn("artifact not resolvable", "job_id", jobID, "handle", ref.Handle, "err", err)
		return ""
	}
	return p
}

// RunPublish uploads the final video. Every failure here is fatal.
func (r *Runner) RunPublish(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	j, err := r.advance(ctx, j, jobs.StageUploading, progressUploading)
	if err != nil {
		return j, err
	}
	if j.Publish != nil {
		return j, nil
	}
	if r.Publisher == nil {
		return j, &StageError{Stage: StagePublish, Err: fmt.Errorf("%w: no publisher configured", ErrPublish)}
	}
	if j.Artifact == nil || !j.Artifact.Usable() {
		return j, &StageError{Stage: StagePublish, Err: fmt.Errorf("%w: no video to upload, assembly was skipped", ErrPublish)}
	}
	if r.Files == nil {
		return j, &StageError{Stage: StagePublish, Err: fmt.Errorf("%w: artifact store unavailable", ErrPublish)}
	}
	path, err := r.Files.Path(*j.Artifact)
	if err != nil {
		return j, &StageError{Stage: StagePublish, Err: wrapCause(ErrPublish, err)}
	}

	req := publish.Request{JobID: j.ID, VideoPath: path, Title: j.Inputs.Topic, Timestamp: time.Now().UTC()}
	if j.Script != nil {
		if t := strings.TrimSpace(j.Script.Title); t != "" {
			req.Title = t
		}
		req.Description = j.Script.Description
		req.Tags = append([]string(nil), j.Script.Tags...)
	}
	res, err := r.Publisher.Publish(ctx, req)
	if err != nil {
		return j, &StageError{Stage: StagePublish, Err: wrapCause(ErrPublish, err)}
	}
	next, err := r.Store.RecordPublish(ctx, j.ID, jobs.PublishResult{Provider: res.Provider, RemoteID: res.RemoteID, URL: res.URL})
	if err != nil {
		return j, storeErr("record publish", err)
	}
	r.log().Info("video published", "job_id", j.ID, "provider", res.Provider, "url", res.URL)
	return next, nil
}
