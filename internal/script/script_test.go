package script

import (
	"context"
	"errors"
	"testing"

	"github.com/jo-hoe/reelsmith/internal/fallback"
	"github.com/jo-hoe/reelsmith/internal/jobs"
)

type generatorFunc func(ctx context.Context, req Request) (jobs.Script, error)

func (f generatorFunc) Generate(ctx context.Context, req Request) (jobs.Script, error) {
	return f(ctx, req)
}

func TestParse_FencedOutput(t *testing.T) {
	out := "Here you go:\n```json\n{\"title\":\" Volcanoes \",\"tags\":[\"geo\",\" \"],\"scenes\":[" +
		"{\"ordinal\":7,\"text\":\" Lava flows. \",\"visual_prompt\":\"lava\",\"duration_seconds\":6}," +
		"{\"narration\":\"Ash rises.\",\"image_prompt\":\"ash cloud\"}]}\n```"
	s, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Title != "Volcanoes" || len(s.Tags) != 1 {
		t.Fatalf("script = %+v", s)
	}
	if len(s.Scenes) != 2 {
		t.Fatalf("scenes = %d", len(s.Scenes))
	}
	if s.Scenes[0].Ordinal != 1 || s.Scenes[0].Text != "Lava flows." || s.Scenes[0].DurationSeconds != 6 {
		t.Fatalf("scene 0 = %+v", s.Scenes[0])
	}
	if s.Scenes[1].Text != "Ash rises." || s.Scenes[1].VisualPrompt != "ash cloud" {
		t.Fatalf("alternate keys not honored: %+v", s.Scenes[1])
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{"", "no json here", "{\"scenes\": [}"} {
		if _, err := Parse(in); !errors.Is(err, ErrScriptGeneration) {
			t.Errorf("Parse(%q) err = %v", in, err)
		}
	}
}

func TestHasNarration(t *testing.T) {
	if HasNarration(jobs.Script{Scenes: []jobs.ScriptScene{{Text: "  "}}}) {
		t.Fatalf("blank narration should not count")
	}
	if !HasNarration(jobs.Script{Scenes: []jobs.ScriptScene{{Text: ""}, {Text: "x"}}}) {
		t.Fatalf("expected narration")
	}
}

func TestChain_FallsBack(t *testing.T) {
	bad := generatorFunc(func(context.Context, Request) (jobs.Script, error) {
		return jobs.Script{}, errors.New("rate limited")
	})
	good := generatorFunc(func(_ context.Context, req Request) (jobs.Script, error) {
		return jobs.Script{Title: req.Topic}, nil
	})
	c := NewChain(nil, fallback.Candidate[Generator]{Name: "llm", Value: bad}, fallback.Candidate[Generator]{Name: "mock", Value: good})
	s, err := c.Generate(context.Background(), Request{Topic: "volcanoes"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if s.Title != "volcanoes" {
		t.Fatalf("title = %q", s.Title)
	}
	if got := c.Providers(); len(got) != 2 || got[0] != "llm" {
		t.Fatalf("providers = %v", got)
	}
}

func TestChain_AllFail(t *testing.T) {
	bad := generatorFunc(func(context.Context, Request) (jobs.Script, error) {
		return jobs.Script{}, errors.New("down")
	})
	c := NewChain(nil, fallback.Candidate[Generator]{Name: "llm", Value: bad})
	_, err := c.Generate(context.Background(), Request{Topic: "x"})
	var ferr *fallback.Error
	if !errors.Is(err, ErrScriptGeneration) || !errors.As(err, &ferr) {
		t.Fatalf("err = %v", err)
	}
}

func TestSceneCount(t *testing.T) {
	cases := map[int]int{0: 2, 1: 4, 5: 20, 30: 40}
	for in, want := range cases {
		if got := SceneCount(in); got != want {
			t.Errorf("SceneCount(%d) = %d, want %d", in, got, want)
		}
	}
}
