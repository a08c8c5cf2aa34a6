package assembly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
)

var (
	// ErrAssembly marks a failed attempt to mux scenes into a video.
	ErrAssembly = errors.New("video assembly failed")
	// ErrToolUnavailable is returned when the muxing tool is not installed.
	ErrToolUnavailable = errors.New("assembly tool unavailable")
)

// Clip is one scene ready to be rendered. Empty paths mean the media is missing.
type Clip struct {
	Ordinal   int
	ImagePath string
	AudioPath string
	Seconds   float64
	Text      string
}

// Request lists clips in presentation order.
type Request struct {
	JobID     string
	Clips     []Clip
	Subtitles bool
}

// Assembler renders clips into a single video artifact. When the underlying tool
// is missing it may return a skipped reference instead of an error.
type Assembler interface {
	Assemble(ctx context.Context, req Request) (artifact.Ref, error)
}

// TotalSeconds sums clip durations.
func TotalSeconds(clips []Clip) float64 {
	var total float64
	for _, c := range clips {
		total += c.Seconds
	}
	return total
}

// BuildSRT renders narration as SubRip cues laid end to end. Clips without text
// still advance the clock.
func BuildSRT(clips []Clip) string {
	var b strings.Builder
	var at float64
	cue := 0
	for _, c := range clips {
		start, end := at, at+c.Seconds
		at = end
		text := strings.TrimSpace(c.Text)
		if text == "" || c.Seconds <= 0 {
			continue
		}
		cue++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", cue, srtTimestamp(start), srtTimestamp(end), text)
	}
	return b.String()
}

func srtTimestamp(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
