package edgetts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/toolexec"
	"github.com/jo-hoe/reelsmith/internal/voice"
)

const (
	defaultCommand = "edge-tts"
	defaultVoice   = "en-US-GuyNeural"
)

var defaultVoices = map[string]string{
	"en": "en-US-GuyNeural",
	"de": "de-DE-ConradNeural",
	"es": "es-ES-AlvaroNeural",
	"fr": "fr-FR-HenriNeural",
	"it": "it-IT-DiegoNeural",
	"pt": "pt-BR-AntonioNeural",
	"ja": "ja-JP-KeitaNeural",
	"hi": "hi-IN-MadhurNeural",
}

// ArtifactReserver hands out paths for tools to write into and adopts the results.
type ArtifactReserver interface {
	Reserve(kind artifact.Kind, ext string) (string, error)
	Adopt(kind artifact.Kind, path string) (artifact.Ref, error)
}

// Options configures the synthesizer. Command may be edge-tts or any tool that
// accepts --text and --output.
type Options struct {
	Command string
	FFprobe string
	Voices  map[string]string
	Rate    string
}

// Synthesizer shells out to a TTS command per narration clip.
type Synthesizer struct {
	opts   Options
	store  ArtifactReserver
	runner toolexec.Runner
	log    *slog.Logger
}

var _ voice.Generator = (*Synthesizer)(nil)

func New(opts Options, store ArtifactReserver, runner toolexec.Runner, log *slog.Logger) *Synthesizer {
	if opts.Command == "" {
		opts.Command = defaultCommand
	}
	if opts.FFprobe == "" {
		opts.FFprobe = "ffprobe"
	}
	voices := make(map[string]string, len(defaultVoices)+len(opts.Voices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range opts.Voices {
		voices[strings.ToLower(k)] = v
	}
	opts.Voices = voices
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &Synthesizer{opts: opts, store: store, runner: runner, log: log}
}

func (s *Synthesizer) Generate(ctx context.Context, text, language string) (voice.Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return voice.Speech{}, fmt.Errorf("%w: empty text", voice.ErrVoiceGeneration)
	}
	if _, err := s.runner.LookPath(s.opts.Command); err != nil {
		return voice.Speech{}, fmt.Errorf("%w: %w", voice.ErrVoiceGeneration, err)
	}
	out, err := s.store.Reserve(artifact.KindAudio, ".mp3")
	if err != nil {
		return voice.Speech{}, fmt.Errorf("%w: %w", voice.ErrVoiceGeneration, err)
	}
	if _, err := s.runner.Run(ctx, s.opts.Command, s.args(text, language, out)...); err != nil {
		_ = os.Remove(out)
		return voice.Speech{}, fmt.Errorf("%w: %w", voice.ErrVoiceGeneration, err)
	}
	ref, err := s.store.Adopt(artifact.KindAudio, out)
	if err != nil {
		_ = os.Remove(out)
		return voice.Speech{}, fmt.Errorf("%w: %w", voice.ErrVoiceGeneration, err)
	}
	secs, err := toolexec.ProbeDuration(ctx, s.runner, s.opts.FFprobe, out)
	if err != nil || secs <= 0 {
		secs = voice.EstimateSeconds(text, common.NarrationWordsPerMinute)
		s.log.Debug("could not measure narration, using estimate", "file", filepath.Base(out), "err", err, "seconds", secs)
	}
	return voice.Speech{Ref: ref, Seconds: secs}, nil
}

// VoiceFor picks the configured voice for a language code such as "en" or "pt-BR".
func (s *Synthesizer) VoiceFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if v, ok := s.opts.Voices[lang]; ok {
		return v
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		if v, ok := s.opts.Voices[lang[:i]]; ok {
			return v
		}
	}
	return defaultVoice
}

func (s *Synthesizer) args(text, language, out string) []string {
	if filepath.Base(s.opts.Command) != defaultCommand {
		return []string{"--text", text, "--output", out}
	}
	args := []string{"--voice", s.VoiceFor(language)}
	if s.opts.Rate != "" {
		args = append(args, "--rate="+s.opts.Rate)
	}
	return append(args, "--text", text, "--write-media", out)
}
