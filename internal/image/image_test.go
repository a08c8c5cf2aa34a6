package image

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/fallback"
)

type generatorFunc func(ctx context.Context, prompt string) (artifact.Ref, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (artifact.Ref, error) {
	return f(ctx, prompt)
}

func TestChain_FirstSuccessWins(t *testing.T) {
	calls := 0
	down := generatorFunc(func(context.Context, string) (artifact.Ref, error) {
		calls++
		return artifact.Ref{}, errors.New("503")
	})
	up := generatorFunc(func(_ context.Context, prompt string) (artifact.Ref, error) {
		calls++
		return artifact.Ref{Kind: artifact.KindImage, Handle: prompt + ".png"}, nil
	})
	c := NewChain(nil,
		fallback.Candidate[Generator]{Name: "remote", Value: down},
		fallback.Candidate[Generator]{Name: "mock", Value: up},
	)
	ref, err := c.Generate(context.Background(), "lava")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ref.Handle != "lava.png" || calls != 2 {
		t.Fatalf("ref = %+v, calls = %d", ref, calls)
	}
	if got := strings.Join(c.Providers(), ","); got != "remote,mock" {
		t.Fatalf("providers = %s", got)
	}
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(nil, fallback.Candidate[Generator]{Name: "remote", Value: generatorFunc(func(context.Context, string) (artifact.Ref, error) {
		return artifact.Ref{}, errors.New("timeout")
	})})
	_, err := c.Generate(context.Background(), "lava")
	if !errors.Is(err, ErrImageGeneration) {
		t.Fatalf("err = %v", err)
	}
	var fe *fallback.Error
	if !errors.As(err, &fe) || len(fe.Attempts) != 1 || fe.Attempts[0].Provider != "remote" {
		t.Fatalf("attempts not reported: %v", err)
	}
}
