package jobs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
)

var (
	ErrNotFound              = errors.New("job not found")
	ErrAlreadyExists         = errors.New("job already exists")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrSceneIndexOutOfRange  = errors.New("scene index out of range")
	ErrScriptAlreadyAttached = errors.New("a different script is already attached")
	ErrJobFinished           = errors.New("job already finished")
)

// TransitionError describes a rejected stage/progress change.
type TransitionError struct {
	From         Stage
	To           Stage
	FromProgress int
	ToProgress   int
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s(%d) -> %s(%d)", e.From, e.FromProgress, e.To, e.ToProgress)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether the state machine allows moving from one stage to another.
// Staying in the same non-terminal stage is allowed so progress can advance within a stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed || to == from {
		return true
	}
	switch from {
	case StagePending:
		return to == StageGenerating
	case StageGenerating:
		return to == StageProcessing
	case StageProcessing:
		return to == StageEditing
	case StageEditing:
		return to == StageUploading || to == StageCompleted
	case StageUploading:
		return to == StageCompleted
	default:
		return false
	}
}

// Rank orders stages along the happy path. Failed ranks below everything.
func (s Stage) Rank() int {
	switch s {
	case StagePending:
		return 0
	case StageGenerating:
		return 1
	case StageProcessing:
		return 2
	case StageEditing:
		return 3
	case StageUploading:
		return 4
	case StageCompleted:
		return 5
	default:
		return -1
	}
}

// The functions below are the pure mutations shared by every Store implementation.

func applyTransition(j *Job, stage Stage, progress int, now time.Time) error {
	terr := &TransitionError{From: j.Stage, To: stage, FromProgress: j.Progress, ToProgress: progress}
	if !CanTransition(j.Stage, stage) {
		return terr
	}
	if stage == StageFailed {
		// A failed job always carries a description; RecordFailure supplies the real one.
		desc := ""
		if j.Error != nil {
			desc = *j.Error
		}
		return applyFailure(j, desc, now)
	}
	if progress < 0 || progress > 100 {
		return terr
	}
	if stage == j.Stage {
		if progress < j.Progress {
			return terr
		}
	} else if progress <= j.Progress {
		return terr
	}
	if stage == StageCompleted {
		if progress != 100 {
			return terr
		}
		j.FinishedAt = &now
	}
	if j.StartedAt == nil && stage != StagePending {
		j.StartedAt = &now
	}
	j.Stage = stage
	j.Progress = progress
	j.UpdatedAt = now
	return nil
}

func applyScript(j *Job, script Script, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	if j.Script != nil {
		if reflect.DeepEqual(*j.Script, script) {
			return nil
		}
		return ErrScriptAlreadyAttached
	}
	s := script
	s.Tags = append([]string(nil), script.Tags...)
	s.Scenes = append([]ScriptScene(nil), script.Scenes...)
	j.Script = &s
	j.Scenes = make([]Scene, len(s.Scenes))
	for i, sc := range s.Scenes {
		j.Scenes[i] = Scene{
			Ordinal:          i + 1,
			Narration:        strings.TrimSpace(sc.Text),
			VisualPrompt:     strings.TrimSpace(sc.VisualPrompt),
			EstimatedSeconds: sc.DurationSeconds,
		}
	}
	j.UpdatedAt = now
	return nil
}

func applySceneArtifact(j *Job, idx int, ref artifact.Ref, seconds float64, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	if idx < 0 || idx >= len(j.Scenes) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrSceneIndexOutOfRange, idx, len(j.Scenes))
	}
	r := ref
	switch ref.Kind {
	case artifact.KindImage:
		j.Scenes[idx].Image = &r
	case artifact.KindAudio:
		j.Scenes[idx].Audio = &r
		j.Scenes[idx].AudioSeconds = seconds
	default:
		return fmt.Errorf("scene artifact kind %q not supported", ref.Kind)
	}
	j.UpdatedAt = now
	return nil
}

func applyFinalArtifact(j *Job, ref artifact.Ref, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	if ref.Kind != artifact.KindVideo {
		return fmt.Errorf("final artifact must be a video, got %q", ref.Kind)
	}
	r := ref
	j.Artifact = &r
	j.UpdatedAt = now
	return nil
}

func applyPublish(j *Job, res PublishResult, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	p := res
	j.Publish = &p
	j.UpdatedAt = now
	return nil
}

func applyFailure(j *Job, description string, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	desc := strings.TrimSpace(description)
	if desc == "" {
		desc = "unknown error"
	}
	j.Stage = StageFailed
	j.Progress = 0
	j.Error = &desc
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func applyDuration(j *Job, seconds float64, now time.Time) error {
	if seconds < 0 {
		return fmt.Errorf("negative duration %v", seconds)
	}
	v := seconds
	j.ProcessingSeconds = &v
	j.UpdatedAt = now
	return nil
}

func applyCancel(j *Job, now time.Time) error {
	if j.Stage.Terminal() {
		return nil
	}
	j.CancelRequested = true
	j.UpdatedAt = now
	return nil
}

func applyAttempt(j *Job, now time.Time) error {
	if j.Stage.Terminal() {
		return ErrJobFinished
	}
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

func newJob(id string, in Inputs, now time.Time) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("job id is required")
	}
	return &Job{
		ID:        id,
		Inputs:    in,
		Stage:     StagePending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsStateError reports whether err is a rejection by the state machine rather than
// a storage failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSceneIndexOutOfRange) ||
		errors.Is(err, ErrScriptAlreadyAttached) ||
		errors.Is(err, ErrJobFinished)
}
