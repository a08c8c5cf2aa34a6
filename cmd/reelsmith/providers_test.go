package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	appcfg "github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/storage"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildProviders_ChainsFollowConfigOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := &appcfg.Config{
		Server: appcfg.ServerConfig{StorageDir: dir},
		Providers: appcfg.ProvidersConfig{
			Script: []appcfg.ProviderConfig{{Type: appcfg.ProviderAIProxy, Name: "llm"}, {Type: appcfg.ProviderMock}},
			Image:  []appcfg.ProviderConfig{{Type: appcfg.ProviderPollinations}, {Type: appcfg.ProviderMock}},
			Voice:  []appcfg.ProviderConfig{{Type: appcfg.ProviderEdgeTTS}, {Type: appcfg.ProviderMock, Name: "silent"}},
		},
		Publish: []appcfg.PublishTarget{{
			Type: appcfg.ProviderGitHub,
			GitHub: appcfg.GitHubSettings{
				RepositoryOwner: "o", RepositoryName: "r", Branch: "main",
				Auth: appcfg.GitHubAuthConfig{Token: "t"},
			},
		}},
	}
	files := storage.NewFileStore(filepath.Join(dir, "artifacts"), testLogger())
	p, err := buildProviders(context.Background(), cfg, files, testLogger())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	want := map[string][]string{
		"script":  {"llm", "mock"},
		"image":   {"pollinations", "mock"},
		"voice":   {"edgetts", "silent"},
		"publish": {"github"},
	}
	if got := p.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	r := p.runner(cfg, jobs.NewMemoryStore(), files, testLogger())
	if r.Publisher == nil || r.Assembler == nil || r.Files == nil {
		t.Fatalf("runner not fully wired: %+v", r)
	}
}

func TestBuildProviders_NoPublishTargetsLeavesPublisherUnset(t *testing.T) {
	dir := t.TempDir()
	cfg := &appcfg.Config{
		Server: appcfg.ServerConfig{StorageDir: dir},
		Providers: appcfg.ProvidersConfig{
			Script: []appcfg.ProviderConfig{{Type: appcfg.ProviderMock}},
			Image:  []appcfg.ProviderConfig{{Type: appcfg.ProviderMock}},
			Voice:  []appcfg.ProviderConfig{{Type: appcfg.ProviderMock}},
		},
	}
	files := storage.NewFileStore(filepath.Join(dir, "artifacts"), testLogger())
	p, err := buildProviders(context.Background(), cfg, files, testLogger())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if r := p.runner(cfg, jobs.NewMemoryStore(), files, testLogger()); r.Publisher != nil {
		t.Fatalf("publisher should be nil without targets")
	}
}

func TestBuildProviders_RejectsUnknownType(t *testing.T) {
	cfg := &appcfg.Config{
		Providers: appcfg.ProvidersConfig{Script: []appcfg.ProviderConfig{{Type: "oracle"}}},
	}
	if _, err := buildProviders(context.Background(), cfg, nil, testLogger()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestPolicyFrom(t *testing.T) {
	tol := 0.0
	pol := policyFrom(appcfg.PipelineConfig{
		MaxConcurrency:        2,
		TaskTimeout:           time.Second,
		ImageFailureTolerance: &tol,
		FallbackImageDuration: 3 * time.Second,
	})
	if pol.MaxConcurrency != 2 || pol.TaskTimeout != time.Second || pol.ImageFailureTolerance != 0 || pol.FallbackImageSeconds != 3 {
		t.Fatalf("policy = %+v", pol)
	}
	def := policyFrom(appcfg.PipelineConfig{})
	if def.ImageFailureTolerance != 0.5 || def.MaxConcurrency <= 0 {
		t.Fatalf("default policy = %+v", def)
	}
}
