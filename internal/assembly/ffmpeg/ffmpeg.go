package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/assembly"
	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/toolexec"
)

const (
	sampleRate      = "44100"
	minClipSeconds  = 0.5
	segmentPattern  = "seg_%03d.mp4"
	concatListName  = "concat.txt"
	concatOutput    = "joined.mp4"
	subtitlesSource = "subtitles.srt"
)

// ArtifactReserver hands out paths for tools to write into and adopts the results.
type ArtifactReserver interface {
	Reserve(kind artifact.Kind, ext string) (string, error)
	Adopt(kind artifact.Kind, path string) (artifact.Ref, error)
}

// Assembler renders each clip as a still-image segment and concatenates them.
type Assembler struct {
	cfg     config.AssemblyConfig
	workDir string
	store   ArtifactReserver
	runner  toolexec.Runner
	log     *slog.Logger
}

var _ assembly.Assembler = (*Assembler)(nil)

func New(cfg config.AssemblyConfig, workDir string, store ArtifactReserver, runner toolexec.Runner, log *slog.Logger) *Assembler {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &Assembler{cfg: cfg, workDir: workDir, store: store, runner: runner, log: log}
}

// Assemble returns a skipped reference when ffmpeg is not installed.
func (a *Assembler) Assemble(ctx context.Context, req assembly.Request) (artifact.Ref, error) {
	if _, err := a.runner.LookPath(a.cfg.FFmpegPath); err != nil {
		a.log.Warn("ffmpeg not available, skipping assembly", "job_id", req.JobID, "err", err)
		return artifact.Skipped(artifact.KindVideo, fmt.Sprintf("%v: %s", assembly.ErrToolUnavailable, a.cfg.FFmpegPath)), nil
	}
	if len(req.Clips) == 0 {
		return artifact.Ref{}, fmt.Errorf("%w: no clips", assembly.ErrAssembly)
	}
	if err := os.MkdirAll(a.workDir, 0o750); err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: ensure work dir: %w", assembly.ErrAssembly, err)
	}
	dir, err := os.MkdirTemp(a.workDir, "assemble-"+safeName(req.JobID)+"-")
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: create work dir: %w", assembly.ErrAssembly, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	segments := make([]string, 0, len(req.Clips))
	for i, c := range req.Clips {
		seg := filepath.Join(dir, fmt.Sprintf(segmentPattern, i))
		if _, err := a.runner.Run(ctx, a.cfg.FFmpegPath, a.segmentArgs(c, seg)...); err != nil {
			return artifact.Ref{}, fmt.Errorf("%w: render scene %d: %w", assembly.ErrAssembly, c.Ordinal, err)
		}
		segments = append(segments, seg)
	}

	listPath := filepath.Join(dir, concatListName)
	if err := os.WriteFile(listPath, []byte(concatList(segments)), 0o600); err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: write concat list: %w", assembly.ErrAssembly, err)
	}

	out, err := a.store.Reserve(artifact.KindVideo, ".mp4")
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("%w: %w", assembly.ErrAssembly, err)
	}
	joined := out
	if req.Subtitles {
		joined = filepath.Join(dir, concatOutput)
	}
	if _, err := a.runner.Run(ctx, a.cfg.FFmpegPath, "-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", joined); err != nil {
		_ = os.Remove(out)
		return artifact.Ref{}, fmt.Errorf("%w: concat: %w", assembly.ErrAssembly, err)
	}

	if req.Subtitles {
		if err := a.muxSubtitles(ctx, dir, joined, out, req.Clips); err != nil {
			_ = os.Remove(out)
			return artifact.Ref{}, err
		}
	}

	ref, err := a.store.Adopt(artifact.KindVideo, out)
	if err != nil {
		_ = os.Remove(out)
		return artifact.Ref{}, fmt.Errorf("%w: %w", assembly.ErrAssembly, err)
	}
	a.log.Info("video assembled", "job_id", req.JobID, "scenes", len(req.Clips), "seconds", assembly.TotalSeconds(req.Clips), "handle", ref.Handle)
	return ref, nil
}

func (a *Assembler) muxSubtitles(ctx context.Context, dir, joined, out string, clips []assembly.Clip) error {
	srt := assembly.BuildSRT(clips)
	if srt == "" {
		if err := os.Rename(joined, out); err != nil {
			return fmt.Errorf("%w: move output: %w", assembly.ErrAssembly, err)
		}
		return nil
	}
	srtPath := filepath.Join(dir, subtitlesSource)
	if err := os.WriteFile(srtPath, []byte(srt), 0o600); err != nil {
		return fmt.Errorf("%w: write subtitles: %w", assembly.ErrAssembly, err)
	}
	args := []string{"-y", "-i", joined, "-i", srtPath, "-map", "0", "-map", "1", "-c", "copy", "-c:s", "mov_text", out}
	if _, err := a.runner.Run(ctx, a.cfg.FFmpegPath, args...); err != nil {
		return fmt.Errorf("%w: subtitles: %w", assembly.ErrAssembly, err)
	}
	return nil
}

func (a *Assembler) segmentArgs(c assembly.Clip, out string) []string {
	secs := c.Seconds
	if secs < minClipSeconds {
		secs = minClipSeconds
	}
	dur := strconv.FormatFloat(secs, 'f', 3, 64)
	size := fmt.Sprintf("%dx%d", a.cfg.Width, a.cfg.Height)

	args := []string{"-y"}
	if c.ImagePath != "" {
		args = append(args, "-loop", "1", "-t", dur, "-i", c.ImagePath)
	} else {
		args = append(args, "-f", "lavfi", "-t", dur, "-i", "color=c=black:s="+size)
	}
	if c.AudioPath != "" {
		args = append(args, "-i", c.AudioPath)
	} else {
		args = append(args, "-f", "lavfi", "-t", dur, "-i", "anullsrc=r="+sampleRate+":cl=stereo")
	}
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p",
		a.cfg.Width, a.cfg.Height, a.cfg.Width, a.cfg.Height)
	args = append(args,
		"-vf", vf,
		"-r", strconv.Itoa(a.cfg.FPS),
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "stillimage",
		"-c:a", "aac", "-ar", sampleRate, "-ac", "2",
		"-t", dur,
		out,
	)
	return args
}

func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "job"
	}
	return s
}
