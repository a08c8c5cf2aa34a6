package mock

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

const sampleRate = 8000

// ArtifactWriter persists generated bytes.
type ArtifactWriter interface {
	Put(kind artifact.Kind, ext string, r io.Reader, maxBytes int64) (artifact.Ref, error)
}

// Generator writes silent WAV clips whose length matches the estimated reading time.
type Generator struct {
	store ArtifactWriter
}

var _ voice.Generator = (*Generator)(nil)

func New(store ArtifactWriter) *Generator {
	return &Generator{store: store}
}

func (g *Generator) Generate(ctx context.Context, text, _ string) (voice.Speech, error) {
	if err := ctx.Err(); err != nil {
		return voice.Speech{}, err
	}
	if strings.TrimSpace(text) == "" {
		return voice.Speech{}, fmt.Errorf("%w: empty text", voice.ErrVoiceGeneration)
	}
	secs := voice.EstimateSeconds(text, common.NarrationWordsPerMinute)
	if secs < 1 {
		secs = 1
	}
	ref, err := g.store.Put(artifact.KindAudio, ".wav", bytes.NewReader(silentWAV(secs)), 0)
	if err != nil {
		return voice.Speech{}, fmt.Errorf("%w: %w", voice.ErrVoiceGeneration, err)
	}
	return voice.Speech{Ref: ref, Seconds: secs}, nil
}

// silentWAV renders 8-bit mono PCM silence.
func silentWAV(seconds float64) []byte {
	n := int(seconds * sampleRate)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+n))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(8))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(n))
	buf.Write(bytes.Repeat([]byte{0x80}, n))
	return buf.Bytes()
}
