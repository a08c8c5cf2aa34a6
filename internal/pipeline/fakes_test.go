package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/assembly"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/publish"
	"github.com/jo-hoe/reelsmith/internal/script"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

type scriptFunc func(ctx context.Context, req script.Request) (jobs.Script, error)

func (f scriptFunc) Generate(ctx context.Context, req script.Request) (jobs.Script, error) {
	return f(ctx, req)
}

type imageFunc func(ctx context.Context, prompt string) (artifact.Ref, error)

func (f imageFunc) Generate(ctx context.Context, prompt string) (artifact.Ref, error) {
	return f(ctx, prompt)
}

type voiceFunc func(ctx context.Context, text, lang string) (voice.Speech, error)

func (f voiceFunc) Generate(ctx context.Context, text, lang string) (voice.Speech, error) {
	return f(ctx, text, lang)
}

type assemblerFunc func(ctx context.Context, req assembly.Request) (artifact.Ref, error)

func (f assemblerFunc) Assemble(ctx context.Context, req assembly.Request) (artifact.Ref, error) {
	return f(ctx, req)
}

type publisherFunc func(ctx context.Context, req publish.Request) (publish.Result, error)

func (f publisherFunc) Name() string { return "fake" }

func (f publisherFunc) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	return f(ctx, req)
}

type fakeFiles struct{}

func (fakeFiles) Path(ref artifact.Ref) (string, error) {
	if !ref.Usable() {
		return "", errors.New("placeholder")
	}
	return "/artifacts/" + ref.Handle, nil
}

// progressStore records every accepted transition.
type progressStore struct {
	jobs.Store
	mu    sync.Mutex
	steps []string
	seen  []int
}

func (s *progressStore) Transition(ctx context.Context, id string, stage jobs.Stage, progress int) (*jobs.Job, error) {
	j, err := s.Store.Transition(ctx, id, stage, progress)
	if err == nil {
		s.mu.Lock()
		s.steps = append(s.steps, fmt.Sprintf("%s:%d", stage, progress))
		s.seen = append(s.seen, j.Progress)
		s.mu.Unlock()
	}
	return j, err
}

func (s *progressStore) progress() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

// flakyStore fails AttachFinalArtifact a fixed number of times with a storage error.
type flakyStore struct {
	jobs.Store
	failFinal int32
}

func (s *flakyStore) AttachFinalArtifact(ctx context.Context, id string, ref artifact.Ref) (*jobs.Job, error) {
	if atomic.AddInt32(&s.failFinal, -1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return s.Store.AttachFinalArtifact(ctx, id, ref)
}

// fixture wires a Runner with counting fakes that succeed by default.
type fixture struct {
	store       *progressStore
	runner      *Runner
	orch        *Orchestrator
	scriptCalls int32
	imageCalls  int32
	voiceCalls  int32
	assembled   []assembly.Request
	mu          sync.Mutex
}

func twoSceneScript() jobs.Script {
	return jobs.Script{
		Title:       "Volcanoes",
		Description: "How volcanoes shape the earth",
		Tags:        []string{"geology"},
		Scenes: []jobs.ScriptScene{
			{Ordinal: 1, Text: "Magma rises from deep below.", VisualPrompt: "magma chamber", DurationSeconds: 30},
			{Ordinal: 2, Text: "Eruptions build new land.", VisualPrompt: "erupting volcano", DurationSeconds: 30},
		},
	}
}

func scriptWith(n int) jobs.Script {
	s := jobs.Script{Title: "Many"}
	for i := 1; i <= n; i++ {
		s.Scenes = append(s.Scenes, jobs.ScriptScene{Ordinal: i, Text: fmt.Sprintf("narration %d", i), VisualPrompt: fmt.Sprintf("prompt %d", i)})
	}
	return s
}

func newFixture(t *testing.T, sc jobs.Script) *fixture {
	t.Helper()
	f := &fixture{store: &progressStore{Store: jobs.NewMemoryStore()}}
	f.runner = &Runner{
		Store: f.store,
		Script: scriptFunc(func(context.Context, script.Request) (jobs.Script, error) {
			atomic.AddInt32(&f.scriptCalls, 1)
			return sc, nil
		}),
		Image: imageFunc(func(_ context.Context, prompt string) (artifact.Ref, error) {
			atomic.AddInt32(&f.imageCalls, 1)
			return artifact.Ref{Kind: artifact.KindImage, Handle: "image/" + strings.ReplaceAll(prompt, " ", "-") + ".png"}, nil
		}),
		Voice: voiceFunc(func(_ context.Context, text, _ string) (voice.Speech, error) {
			atomic.AddInt32(&f.voiceCalls, 1)
			return voice.Speech{Ref: artifact.Ref{Kind: artifact.KindAudio, Handle: "audio/" + fmt.Sprint(len(text)) + ".mp3"}, Seconds: 3}, nil
		}),
		Assembler: assemblerFunc(func(_ context.Context, req assembly.Request) (artifact.Ref, error) {
			f.mu.Lock()
			f.assembled = append(f.assembled, req)
			f.mu.Unlock()
			return artifact.Ref{Kind: artifact.KindVideo, Handle: "video/" + req.JobID + ".mp4", Digest: artifact.DigestBytes([]byte(req.JobID)), Size: 1}, nil
		}),
		Files:  fakeFiles{},
		Policy: Policy{MaxConcurrency: 3, TaskTimeout: 0, ImageFailureTolerance: 0.5, FallbackImageSeconds: 5},
	}
	f.orch = NewOrchestrator(nil, f.runner)
	return f
}

func (f *fixture) create(t *testing.T, id string, req Request) {
	t.Helper()
	in, err := req.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if _, err := f.store.Create(context.Background(), id, in); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func (f *fixture) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return j
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Submit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}
