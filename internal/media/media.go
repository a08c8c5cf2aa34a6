// Package media runs per-scene image and voice generation with bounded
// concurrency and ordered results.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/image"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

// ErrTimeout marks a task that did not finish before its deadline.
var ErrTimeout = errors.New("media task timed out")

// Output is what a successful task produced.
type Output struct {
	Ref     artifact.Ref
	Seconds float64 // spoken duration, audio only
}

// Task converts one scene into one artifact. Run must not touch job state.
type Task struct {
	Scene int // index into the job's scenes
	Kind  artifact.Kind
	Run   func(ctx context.Context) (Output, error)
}

// Result is the outcome of one task. Exactly one of Output or Err is meaningful.
type Result struct {
	Scene  int
	Kind   artifact.Kind
	Output Output
	Err    error
}

// OK reports whether the task succeeded.
func (r Result) OK() bool { return r.Err == nil }

// GenerationFailedError wraps the cause of a failed task.
type GenerationFailedError struct {
	Scene int
	Kind  artifact.Kind
	Cause error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("%s generation failed for scene %d: %v", e.Kind, e.Scene+1, e.Cause)
}

func (e *GenerationFailedError) Unwrap() error { return e.Cause }

// ImageTask renders the prompt of scene idx.
func ImageTask(idx int, prompt string, gen image.Generator) Task {
	return Task{
		Scene: idx,
		Kind:  artifact.KindImage,
		Run: func(ctx context.Context) (Output, error) {
			ref, err := gen.Generate(ctx, prompt)
			if err != nil {
				return Output{}, err
			}
			return Output{Ref: ref}, nil
		},
	}
}

// AudioTask narrates the text of scene idx.
func AudioTask(idx int, text, language string, gen voice.Generator) Task {
	return Task{
		Scene: idx,
		Kind:  artifact.KindAudio,
		Run: func(ctx context.Context) (Output, error) {
			sp, err := gen.Generate(ctx, text, language)
			if err != nil {
				return Output{}, err
			}
			return Output{Ref: sp.Ref, Seconds: sp.Seconds}, nil
		},
	}
}

// RunAll executes tasks with at most maxConcurrency in flight, starting the next
// queued task as soon as one finishes. A failing task never cancels its siblings.
// results[i] always belongs to tasks[i]. onResult, if set, is called once per task
// as it resolves; calls are serialized.
func RunAll(ctx context.Context, tasks []Task, maxConcurrency int, taskTimeout time.Duration, onResult func(i int, r Result)) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(maxConcurrency)
	for i, t := range tasks {
		g.Go(func() error {
			r := runOne(ctx, t, taskTimeout)
			results[i] = r
			if onResult != nil {
				mu.Lock()
				onResult(i, r)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runOne(ctx context.Context, t Task, timeout time.Duration) Result {
	res := Result{Scene: t.Scene, Kind: t.Kind}
	if err := ctx.Err(); err != nil {
		res.Err = &GenerationFailedError{Scene: t.Scene, Kind: t.Kind, Cause: err}
		return res
	}

	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		out Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := t.Run(tctx)
		done <- outcome{out: out, err: err}
	}()

	var err error
	select {
	case o := <-done:
		res.Output, err = o.out, o.err
	case <-tctx.Done():
		err = tctx.Err()
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		res.Output = Output{}
		res.Err = &GenerationFailedError{Scene: t.Scene, Kind: t.Kind, Cause: err}
	}
	return res
}

// Summary counts failures per kind.
type Summary struct {
	Total  map[artifact.Kind]int
	Failed map[artifact.Kind]int
}

// Summarize tallies results by kind.
func Summarize(results []Result) Summary {
	s := Summary{Total: map[artifact.Kind]int{}, Failed: map[artifact.Kind]int{}}
	for _, r := range results {
		s.Total[r.Kind]++
		if !r.OK() {
			s.Failed[r.Kind]++
		}
	}
	return s
}

// FailedFraction is the share of failed tasks of the given kind, 0 when there were none.
func (s Summary) FailedFraction(kind artifact.Kind) float64 {
	if s.Total[kind] == 0 {
		return 0
	}
	return float64(s.Failed[kind]) / float64(s.Total[kind])
}

// FirstError returns the first failure of kind in task order.
func FirstError(results []Result, kind artifact.Kind) error {
	for _, r := range results {
		if r.Kind == kind && r.Err != nil {
			return r.Err
		}
	}
	return nil
}
