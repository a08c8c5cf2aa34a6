package mock

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	stdimage "image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/image"
)

// ArtifactWriter persists generated bytes.
type ArtifactWriter interface {
	Put(kind artifact.Kind, ext string, r io.Reader, maxBytes int64) (artifact.Ref, error)
}

// Generator renders a flat color card per prompt. Useful offline and in tests.
type Generator struct {
	Width  int
	Height int
	store  ArtifactWriter
}

var _ image.Generator = (*Generator)(nil)

func New(store ArtifactWriter) *Generator {
	return &Generator{Width: 320, Height: 180, store: store}
}

func (g *Generator) Generate(ctx context.Context, prompt string) (artifact.Ref, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Ref{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return artifact.Ref{}, fmt.Errorf("%w: empty prompt", image.ErrImageGeneration)
	}
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, g.Width, g.Height))
	c := colorFor(prompt)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: %w", image.ErrImageGeneration, err)
	}
	return g.store.Put(artifact.KindImage, ".png", &buf, 0)
}

func colorFor(prompt string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	v := h.Sum32()
	return color.RGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 0xFF}
}
