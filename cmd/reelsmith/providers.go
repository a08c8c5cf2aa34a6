package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jo-hoe/reelsmith/internal/assembly/ffmpeg"
	"github.com/jo-hoe/reelsmith/internal/common"
	appcfg "github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/fallback"
	"github.com/jo-hoe/reelsmith/internal/image"
	imagemock "github.com/jo-hoe/reelsmith/internal/image/mock"
	"github.com/jo-hoe/reelsmith/internal/image/pollinations"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/pipeline"
	"github.com/jo-hoe/reelsmith/internal/publish"
	"github.com/jo-hoe/reelsmith/internal/publish/github"
	"github.com/jo-hoe/reelsmith/internal/publish/youtube"
	"github.com/jo-hoe/reelsmith/internal/script"
	"github.com/jo-hoe/reelsmith/internal/script/aiproxy"
	scriptmock "github.com/jo-hoe/reelsmith/internal/script/mock"
	"github.com/jo-hoe/reelsmith/internal/storage"
	"github.com/jo-hoe/reelsmith/internal/toolexec"
	"github.com/jo-hoe/reelsmith/internal/voice"
	"github.com/jo-hoe/reelsmith/internal/voice/edgetts"
	voicemock "github.com/jo-hoe/reelsmith/internal/voice/mock"
)

// providers holds the assembled generator chains for one process.
type providers struct {
	script    *script.Chain
	image     *image.Chain
	voice     *voice.Chain
	assembler *ffmpeg.Assembler
	publisher *publish.Chain
}

func buildProviders(ctx context.Context, cfg *appcfg.Config, files *storage.FileStore, logger *slog.Logger) (*providers, error) {
	p := &providers{}

	var scripts []fallback.Candidate[script.Generator]
	for _, pc := range cfg.Providers.Script {
		var g script.Generator
		switch pc.Type {
		case appcfg.ProviderAIProxy:
			g = aiproxy.New(pc.AIProxy)
		case appcfg.ProviderMock:
			g = scriptmock.New(pc.Mock)
		default:
			return nil, fmt.Errorf("unsupported script provider %q", pc.Type)
		}
		scripts = append(scripts, fallback.Candidate[script.Generator]{Name: pc.DisplayName(), Value: g})
	}
	p.script = script.NewChain(logger, scripts...)

	var images []fallback.Candidate[image.Generator]
	for _, pc := range cfg.Providers.Image {
		var g image.Generator
		switch pc.Type {
		case appcfg.ProviderPollinations:
			s := pc.Pollinations
			g = pollinations.New(pollinations.Options{
				BaseURL:           s.BaseURL,
				Width:             s.Width,
				Height:            s.Height,
				Model:             s.Model,
				StyleSuffix:       s.StyleSuffix,
				RequestsPerMinute: s.RequestsPerMinute,
				MaxAttempts:       s.MaxAttempts,
				Timeout:           s.Timeout,
				MaxBytes:          int64(s.MaxImageSize),
			}, files, logger.With("provider", pc.DisplayName()))
		case appcfg.ProviderMock:
			g = imagemock.New(files)
		default:
			return nil, fmt.Errorf("unsupported image provider %q", pc.Type)
		}
		images = append(images, fallback.Candidate[image.Generator]{Name: pc.DisplayName(), Value: g})
	}
	p.image = image.NewChain(logger, images...)

	var voices []fallback.Candidate[voice.Generator]
	for _, pc := range cfg.Providers.Voice {
		var g voice.Generator
		switch pc.Type {
		case appcfg.ProviderEdgeTTS:
			g = edgetts.New(edgetts.Options{
				Command: pc.EdgeTTS.Command,
				FFprobe: cfg.Assembly.FFprobePath,
				Voices:  pc.EdgeTTS.Voices,
				Rate:    pc.EdgeTTS.Rate,
			}, files, toolexec.ExecRunner{}, logger.With("provider", pc.DisplayName()))
		case appcfg.ProviderMock:
			g = voicemock.New(files)
		default:
			return nil, fmt.Errorf("unsupported voice provider %q", pc.Type)
		}
		voices = append(voices, fallback.Candidate[voice.Generator]{Name: pc.DisplayName(), Value: g})
	}
	p.voice = voice.NewChain(logger, voices...)

	workDir := filepath.Join(cfg.Server.StorageDir, common.WorkDirName)
	p.assembler = ffmpeg.New(cfg.Assembly, workDir, files, toolexec.ExecRunner{}, logger)

	p.publisher = publish.NewChain(logger)
	for _, t := range cfg.Publish {
		switch t.Type {
		case appcfg.ProviderYouTube:
			yt, err := youtube.New(ctx, t.DisplayName(), t.YouTube)
			if err != nil {
				return nil, fmt.Errorf("init youtube target %q: %w", t.DisplayName(), err)
			}
			p.publisher.Add(yt)
		case appcfg.ProviderGitHub:
			gh, err := github.New(t.DisplayName(), t.GitHub)
			if err != nil {
				return nil, fmt.Errorf("init github target %q: %w", t.DisplayName(), err)
			}
			p.publisher.Add(gh)
		default:
			return nil, fmt.Errorf("unsupported publish target %q", t.Type)
		}
	}
	return p, nil
}

// runner wires the chains into a stage runner. An empty publish chain leaves
// Publisher unset so auto-publish jobs fail with a clear message.
func (p *providers) runner(cfg *appcfg.Config, store jobs.Store, files *storage.FileStore, logger *slog.Logger) *pipeline.Runner {
	r := &pipeline.Runner{
		Log:       logger,
		Store:     store,
		Script:    p.script,
		Image:     p.image,
		Voice:     p.voice,
		Assembler: p.assembler,
		Files:     files,
		Policy:    policyFrom(cfg.Pipeline),
	}
	if p.publisher.Len() > 0 {
		r.Publisher = p.publisher
	}
	return r
}

func (p *providers) names() map[string][]string {
	return map[string][]string{
		"script":  p.script.Providers(),
		"image":   p.image.Providers(),
		"voice":   p.voice.Providers(),
		"publish": p.publisher.Names(),
	}
}

func policyFrom(c appcfg.PipelineConfig) pipeline.Policy {
	pol := pipeline.DefaultPolicy()
	if c.MaxConcurrency > 0 {
		pol.MaxConcurrency = c.MaxConcurrency
	}
	if c.TaskTimeout > 0 {
		pol.TaskTimeout = c.TaskTimeout
	}
	if c.ImageFailureTolerance != nil {
		pol.ImageFailureTolerance = *c.ImageFailureTolerance
	}
	if c.FallbackImageDuration > 0 {
		pol.FallbackImageSeconds = c.FallbackImageDuration.Seconds()
	}
	return pol
}
