package fallback

import (
	"context"
	"errors"
	"strings"
	"testing"
)

var errBoom = errors.New("boom")

type gen func(ctx context.Context) (string, error)

func call(ctx context.Context, g gen) (string, error) { return g(ctx) }

func TestRun_FirstSuccessWins(t *testing.T) {
	var calls []string
	cands := []Candidate[gen]{
		{Name: "a", Value: func(context.Context) (string, error) { calls = append(calls, "a"); return "", errBoom }},
		{Name: "b", Value: func(context.Context) (string, error) { calls = append(calls, "b"); return "ok-b", nil }},
		{Name: "c", Value: func(context.Context) (string, error) { calls = append(calls, "c"); return "ok-c", nil }},
	}
	got, attempts, err := Run(context.Background(), "image", nil, cands, call)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "ok-b" {
		t.Fatalf("got %q, want ok-b", got)
	}
	if strings.Join(calls, ",") != "a,b" {
		t.Fatalf("calls = %v", calls)
	}
	if len(attempts) != 2 || attempts[0].Err == nil || attempts[1].Err != nil {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestRun_AllFailRecordsEveryAttempt(t *testing.T) {
	sentinel := errors.New("voice generation failed")
	cands := []Candidate[gen]{
		{Name: "edge-tts", Value: func(context.Context) (string, error) { return "", errBoom }},
		{Name: "mock", Value: func(context.Context) (string, error) { return "", sentinel }},
	}
	_, attempts, err := Run(context.Background(), "voice", nil, cands, call)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if len(ferr.Attempts) != 2 || len(attempts) != 2 {
		t.Fatalf("attempts = %+v", ferr.Attempts)
	}
	if !errors.Is(err, sentinel) || !errors.Is(err, errBoom) {
		t.Fatalf("attempt errors not reachable through errors.Is")
	}
	msg := err.Error()
	if !strings.Contains(msg, "edge-tts: boom") || !strings.Contains(msg, "mock: voice generation failed") {
		t.Fatalf("message = %q", msg)
	}
}

func TestRun_NoCandidates(t *testing.T) {
	_, _, err := Run[gen, string](context.Background(), "script", nil, nil, call)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	cands := []Candidate[gen]{{Name: "a", Value: func(context.Context) (string, error) { called = true; return "x", nil }}}
	_, _, err := Run(ctx, "image", nil, cands, call)
	if err == nil || called {
		t.Fatalf("expected no call and an error, called=%v err=%v", called, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNames(t *testing.T) {
	cands := []Candidate[int]{{Name: "x"}, {Name: "y"}}
	if got := strings.Join(Names(cands), ","); got != "x,y" {
		t.Fatalf("Names = %q", got)
	}
}
