package toolexec

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	stdout string
	err    error
	args   []string
}

func (f *fakeRunner) LookPath(name string) (string, error) { return "/usr/bin/" + name, nil }

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.args = append([]string{name}, args...)
	return Result{Stdout: f.stdout}, f.err
}

func TestProbeDuration(t *testing.T) {
	r := &fakeRunner{stdout: "12.480000\n"}
	d, err := ProbeDuration(context.Background(), r, "ffprobe", "/tmp/a.mp3")
	if err != nil {
		t.Fatalf("ProbeDuration: %v", err)
	}
	if d != 12.48 {
		t.Fatalf("d = %v", d)
	}
	if r.args[0] != "ffprobe" || r.args[len(r.args)-1] != "/tmp/a.mp3" {
		t.Fatalf("args = %v", r.args)
	}
}

func TestProbeDuration_BadOutput(t *testing.T) {
	r := &fakeRunner{stdout: "N/A"}
	if _, err := ProbeDuration(context.Background(), r, "ffprobe", "x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestProbeDuration_RunError(t *testing.T) {
	boom := errors.New("boom")
	r := &fakeRunner{err: boom}
	if _, err := ProbeDuration(context.Background(), r, "ffprobe", "x"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecRunner_MissingTool(t *testing.T) {
	_, err := ExecRunner{}.LookPath("definitely-not-a-real-tool-reelsmith")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTail(t *testing.T) {
	if got := Tail("  short  ", 10); got != "short" {
		t.Fatalf("Tail = %q", got)
	}
	got := Tail(strings.Repeat("a", 20)+"end", 3)
	if got != "...end" {
		t.Fatalf("Tail = %q", got)
	}
}
