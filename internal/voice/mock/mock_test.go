package mock

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/jo-hoe/reelsmith/internal/storage"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

func TestGenerate_DurationFollowsWordCount(t *testing.T) {
	fs := storage.NewFileStore(t.TempDir(), nil)
	g := New(fs)
	text := strings.TrimSpace(strings.Repeat("lava ", 30))
	sp, err := g.Generate(context.Background(), text, "en")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if math.Abs(sp.Seconds-12) > 0.001 {
		t.Fatalf("seconds = %v, want 12", sp.Seconds)
	}
	// header + 12s of 8kHz samples
	if sp.Ref.Size != 44+12*sampleRate {
		t.Fatalf("size = %d", sp.Ref.Size)
	}
	if err := fs.Verify(sp.Ref); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestGenerate_ShortTextHasMinimumLength(t *testing.T) {
	g := New(storage.NewFileStore(t.TempDir(), nil))
	sp, err := g.Generate(context.Background(), "hi", "en")
	if err != nil {
		t.Fatal(err)
	}
	if sp.Seconds != 1 {
		t.Fatalf("seconds = %v, want 1", sp.Seconds)
	}
}

func TestGenerate_EmptyText(t *testing.T) {
	g := New(storage.NewFileStore(t.TempDir(), nil))
	if _, err := g.Generate(context.Background(), " ", "en"); !errors.Is(err, voice.ErrVoiceGeneration) {
		t.Fatalf("err = %v", err)
	}
}
