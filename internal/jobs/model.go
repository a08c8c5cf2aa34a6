package jobs

import (
	"context"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
)

// Stage represents the lifecycle stage of a video job.
type Stage string

const (
	StagePending    Stage = "pending"
	StageGenerating Stage = "generating" // script generation
	StageProcessing Stage = "processing" // image and voice fan-out
	StageEditing    Stage = "editing"    // assembly
	StageUploading  Stage = "uploading"  // publish, only with auto-publish
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Inputs are the caller supplied parameters of a job. They never change after creation.
type Inputs struct {
	Topic             string `json:"topic"`
	Style             string `json:"style"`
	DurationMinutes   int    `json:"duration_minutes"`
	Language          string `json:"language"`
	AutoPublish       bool   `json:"auto_publish"`
	GenerateSubtitles bool   `json:"generate_subtitles"`
	CallbackURL       string `json:"callback_url,omitempty"`
}

// Script is the structured output of the script generator.
type Script struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Tags        []string      `json:"tags,omitempty"`
	Scenes      []ScriptScene `json:"scenes"`
}

// ScriptScene is one narrative beat as produced by the script generator.
type ScriptScene struct {
	Ordinal         int     `json:"ordinal"`
	Text            string  `json:"text"`
	VisualPrompt    string  `json:"visual_prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Scene is a narrative beat owned by a job, with the media attached to it so far.
type Scene struct {
	Ordinal          int           `json:"ordinal"` // 1-based presentation order
	Narration        string        `json:"narration"`
	VisualPrompt     string        `json:"visual_prompt"`
	EstimatedSeconds float64       `json:"estimated_seconds,omitempty"`
	Image            *artifact.Ref `json:"image,omitempty"`
	Audio            *artifact.Ref `json:"audio,omitempty"`
	AudioSeconds     float64       `json:"audio_seconds,omitempty"`
}

// PublishResult is where a published video ended up.
type PublishResult struct {
	Provider string `json:"provider"`
	RemoteID string `json:"remote_id"`
	URL      string `json:"url"`
}

// Job describes a single topic-to-video request and its progress.
type Job struct {
	ID                string
	Inputs            Inputs
	Stage             Stage
	Progress          int // 0..100
	Script            *Script
	Scenes            []Scene
	Artifact          *artifact.Ref // final video, or a skipped placeholder
	Publish           *PublishResult
	Error             *string
	CancelRequested   bool
	Attempts          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ProcessingSeconds *float64
}

// AssemblySkipped reports whether the job finished with a placeholder instead of a video.
func (j *Job) AssemblySkipped() bool {
	return j.Artifact != nil && j.Artifact.Skipped
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Script != nil {
		s := *j.Script
		s.Tags = append([]string(nil), j.Script.Tags...)
		s.Scenes = append([]ScriptScene(nil), j.Script.Scenes...)
		c.Script = &s
	}
	if j.Scenes != nil {
		c.Scenes = make([]Scene, len(j.Scenes))
		for i, sc := range j.Scenes {
			if sc.Image != nil {
				r := *sc.Image
				sc.Image = &r
			}
			if sc.Audio != nil {
				r := *sc.Audio
				sc.Audio = &r
			}
			c.Scenes[i] = sc
		}
	}
	if j.Artifact != nil {
		r := *j.Artifact
		c.Artifact = &r
	}
	if j.Publish != nil {
		p := *j.Publish
		c.Publish = &p
	}
	c.Error = cloneString(j.Error)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	if j.ProcessingSeconds != nil {
		v := *j.ProcessingSeconds
		c.ProcessingSeconds = &v
	}
	return &c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store is the single authoritative record of job state. Every mutation is atomic
// with respect to readers of the same job and is serialized per job id.
type Store interface {
	Create(ctx context.Context, id string, in Inputs) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, id string, stage Stage, progress int) (*Job, error)
	AttachScript(ctx context.Context, id string, script Script) (*Job, error)
	AttachSceneArtifact(ctx context.Context, id string, sceneIndex int, ref artifact.Ref, seconds float64) (*Job, error)
	AttachFinalArtifact(ctx context.Context, id string, ref artifact.Ref) (*Job, error)
	RecordPublish(ctx context.Context, id string, res PublishResult) (*Job, error)
	RecordFailure(ctx context.Context, id string, description string) (*Job, error)
	RecordDuration(ctx context.Context, id string, seconds float64) (*Job, error)
	RequestCancel(ctx context.Context, id string) (*Job, error)
	MarkAttempt(ctx context.Context, id string) (*Job, error)
	ListUnfinished(ctx context.Context) ([]string, error)
	// List returns one page of jobs, oldest first, and the number of jobs matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*Job, int, error)
	Close() error
}

// ListFilter selects a page of jobs. An empty Stage matches every stage;
// a non-positive Limit returns every match after Offset.
type ListFilter struct {
	Stage  Stage
	Limit  int
	Offset int
}
