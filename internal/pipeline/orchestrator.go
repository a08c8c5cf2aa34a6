package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/jobs"
)

// Result is the outcome of a job as seen by callers.
type Result struct {
	JobID             string              `json:"job_id"`
	Stage             jobs.Stage          `json:"stage"`
	Progress          int                 `json:"progress"`
	Artifact          *artifact.Ref       `json:"artifact,omitempty"`
	AssemblySkipped   bool                `json:"assembly_skipped"`
	Publish           *jobs.PublishResult `json:"publish,omitempty"`
	Error             string              `json:"error,omitempty"`
	ProcessingSeconds float64             `json:"processing_seconds,omitempty"`
}

// ResultOf summarizes a job snapshot.
func ResultOf(j *jobs.Job) Result {
	res := Result{
		JobID:           j.ID,
		Stage:           j.Stage,
		Progress:        j.Progress,
		Artifact:        j.Artifact,
		AssemblySkipped: j.AssemblySkipped(),
		Publish:         j.Publish,
	}
	if j.Error != nil {
		res.Error = *j.Error
	}
	if j.ProcessingSeconds != nil {
		res.ProcessingSeconds = *j.ProcessingSeconds
	}
	return res
}

// Orchestrator drives a job through every stage. Running it again for the same
// job resumes where the previous run stopped.
type Orchestrator struct {
	log    *slog.Logger
	store  jobs.Store
	runner *Runner
}

func NewOrchestrator(log *slog.Logger, runner *Runner) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{log: log, store: runner.Store, runner: runner}
}

type step struct {
	name string
	run  func(context.Context, *jobs.Job) (*jobs.Job, error)
}

// Run executes the pipeline for jobID. Stage failures are recorded on the job and
// returned as *StageError. Store outages are returned as *InfrastructureError and
// leave the job untouched for a later attempt.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (Result, error) {
	start := time.Now()
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return Result{JobID: jobID}, storeErr("load job", err)
	}
	if job.Stage.Terminal() {
		return ResultOf(job), nil
	}
	if job, err = o.store.MarkAttempt(ctx, jobID); err != nil {
		return Result{JobID: jobID}, storeErr("mark attempt", err)
	}
	log := o.log.With("job_id", jobID, "attempt", job.Attempts)
	log.Info("pipeline started", "stage", job.Stage, "progress", job.Progress)

	steps := []step{
		{StageScript, o.runner.RunScript},
		{StageMedia, o.runner.RunMedia},
		{StageAssembly, o.runner.RunAssembly},
	}
	if job.Inputs.AutoPublish {
		steps = append(steps, step{StagePublish, o.runner.RunPublish})
	}

	for _, st := range steps {
		latest, err := o.store.Get(ctx, jobID)
		if err != nil {
			return ResultOf(job), storeErr("reload job", err)
		}
		job = latest
		if job.CancelRequested {
			return o.fail(ctx, log, job, &StageError{Stage: st.name, Err: ErrCancelled})
		}
		next, err := o.safeRun(ctx, st, job)
		if next != nil {
			job = next
		}
		if err != nil {
			return o.fail(ctx, log, job, err)
		}
	}

	if job, err = o.runner.advance(ctx, job, jobs.StageCompleted, progressCompleted); err != nil {
		return o.fail(ctx, log, job, err)
	}
	elapsed := time.Since(start).Seconds()
	if job.StartedAt != nil && job.FinishedAt != nil {
		elapsed = job.FinishedAt.Sub(*job.StartedAt).Seconds()
	}
	if next, err := o.store.RecordDuration(ctx, jobID, elapsed); err != nil {
		log.Warn("record duration", "err", err)
	} else {
		job = next
	}
	log.Info("pipeline completed", "duration", time.Since(start), "assembly_skipped", job.AssemblySkipped())
	return ResultOf(job), nil
}

func (o *Orchestrator) safeRun(ctx context.Context, st step, job *jobs.Job) (next *jobs.Job, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s stage panicked: %v", st.name, rec)
		}
	}()
	return st.run(ctx, job)
}

// fail writes err to the job unless the store itself is the problem or the
// process is shutting down.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, job *jobs.Job, err error) (Result, error) {
	var ie *InfrastructureError
	if errors.As(err, &ie) {
		log.Error("pipeline interrupted", "stage", job.Stage, "err", err)
		return ResultOf(job), err
	}
	if ctx.Err() != nil {
		log.Warn("pipeline interrupted by shutdown", "stage", job.Stage, "err", err)
		return ResultOf(job), &InfrastructureError{Op: "run", Err: ctx.Err()}
	}
	failed, rerr := o.store.RecordFailure(ctx, job.ID, err.Error())
	if rerr != nil {
		log.Error("record failure", "err", rerr, "cause", err)
		if !jobs.IsStateError(rerr) {
			return ResultOf(job), &InfrastructureError{Op: "record failure", Err: rerr}
		}
		return ResultOf(job), err
	}
	log.Error("pipeline failed", "stage", job.Stage, "err", err)
	return ResultOf(failed), err
}
