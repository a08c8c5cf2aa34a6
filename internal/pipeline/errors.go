package pipeline

import (
	"errors"
	"fmt"

	"github.com/jo-hoe/reelsmith/internal/assembly"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/publish"
	"github.com/jo-hoe/reelsmith/internal/script"
)

// Stage failure causes. They are matched with errors.Is through a *StageError.
var (
	ErrEmptyScript           = errors.New("empty script: no scene has narration")
	ErrScriptGeneration      = script.ErrScriptGeneration
	ErrMediaGenerationFailed = errors.New("media generation failed")
	ErrAssembly              = assembly.ErrAssembly // never fatal
	ErrPublish               = publish.ErrPublish
	ErrCancelled             = errors.New("job cancelled")
	ErrNotTerminal           = errors.New("job has not finished")
)

// Stage names used in StageError.
const (
	StageScript   = "script"
	StageMedia    = "media"
	StageAssembly = "assembly"
	StagePublish  = "publish"
)

// ValidationError rejects inputs before a job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StageError is a fatal, expected failure of one stage. Its text is stored on the job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InfrastructureError means the job store could not be used. The job keeps its
// last known state so a later attempt can resume it.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// IsRetryable reports whether a queue should try the job again.
func IsRetryable(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}

// storeErr classifies a store failure. State machine rejections stay plain errors.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if jobs.IsStateError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &InfrastructureError{Op: op, Err: err}
}

// wrapCause makes sure err matches sentinel without repeating its text.
func wrapCause(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
