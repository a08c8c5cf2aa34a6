package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/reelsmith/internal/common"
)

// Provider type names accepted in the providers and publish sections.
const (
	ProviderMock         = "mock"
	ProviderAIProxy      = "aiproxy"
	ProviderPollinations = "pollinations"
	ProviderEdgeTTS      = "edgetts"
	ProviderYouTube      = "youtube"
	ProviderGitHub       = "github"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Assembly  AssemblyConfig  `yaml:"assembly"`
	Publish   []PublishTarget `yaml:"publish"`
	Ideas     IdeasConfig     `yaml:"ideas"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxBodySize     ByteSize      `yaml:"maxBodySize"`
	WorkerCount     int           `yaml:"workerCount"`
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	DatabasePath    string        `yaml:"databasePath"`    // optional, overrides default storageDir/reelsmith.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
	RateLimit       RateLimit     `yaml:"rateLimit"`
}

// RateLimit bounds POST requests per client address. Zero disables limiting.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	Burst             int `yaml:"burst"`
}

// QueueConfig controls the in-memory work queue and its retry policy.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
}

// PipelineConfig tunes how a job is executed.
type PipelineConfig struct {
	MaxConcurrency        int           `yaml:"maxConcurrency"`
	TaskTimeout           time.Duration `yaml:"taskTimeout"`
	ImageFailureTolerance *float64      `yaml:"imageFailureTolerance"` // fraction of image tasks allowed to fail
	FallbackImageDuration time.Duration `yaml:"fallbackImageDuration"`
	ArtifactRetention     time.Duration `yaml:"artifactRetention"`
	PruneInterval         time.Duration `yaml:"pruneInterval"`
	PreviewScenes         int           `yaml:"previewScenes"`
}

// ProvidersConfig lists, per capability, the generators to try in order.
type ProvidersConfig struct {
	Script []ProviderConfig `yaml:"script"`
	Image  []ProviderConfig `yaml:"image"`
	Voice  []ProviderConfig `yaml:"voice"`
}

// ProviderConfig selects one implementation and carries its settings.
type ProviderConfig struct {
	Type         string               `yaml:"type"`
	Name         string               `yaml:"name"` // optional display name, defaults to type
	Mock         MockSettings         `yaml:"mock"`
	AIProxy      AIProxySettings      `yaml:"aiproxy"`
	Pollinations PollinationsSettings `yaml:"pollinations"`
	EdgeTTS      EdgeTTSSettings      `yaml:"edgetts"`
}

// DisplayName returns Name or, if empty, Type.
func (p ProviderConfig) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.Type
}

// MockSettings config for the offline generators.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
}

// AIProxySettings config for an OpenAI-compatible chat completions endpoint.
type AIProxySettings struct {
	BaseURL      string        `yaml:"baseUrl"`      // e.g. http://localhost:8900
	APIKey       string        `yaml:"apiKey"`       // optional
	Model        string        `yaml:"model"`        // e.g. gpt-4o-mini
	SystemPrompt string        `yaml:"systemPrompt"` // optional system message override
	Temperature  float32       `yaml:"temperature"`  // optional
	MaxTokens    int           `yaml:"maxTokens"`    // optional
	Timeout      time.Duration `yaml:"timeout"`
}

// PollinationsSettings config for the keyless Pollinations image endpoint.
type PollinationsSettings struct {
	BaseURL           string        `yaml:"baseUrl"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	Model             string        `yaml:"model"`
	StyleSuffix       string        `yaml:"styleSuffix"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxImageSize      ByteSize      `yaml:"maxImageSize"`
}

// EdgeTTSSettings config for the edge-tts command line synthesizer.
type EdgeTTSSettings struct {
	Command string            `yaml:"command"` // edge-tts or a tool taking --text/--output
	Voices  map[string]string `yaml:"voices"`  // language code -> voice name
	Rate    string            `yaml:"rate"`    // e.g. +10%
}

// AssemblyConfig controls ffmpeg based video assembly.
type AssemblyConfig struct {
	FFmpegPath  string `yaml:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

// PublishTarget is one publish destination. Targets are tried in order.
type PublishTarget struct {
	Type    string         `yaml:"type"` // youtube | github
	Name    string         `yaml:"name"`
	YouTube YouTubeConfig  `yaml:"youtube"`
	GitHub  GitHubSettings `yaml:"github"`
}

// DisplayName returns Name or, if empty, Type.
func (p PublishTarget) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.Type
}

// YouTubeConfig holds OAuth client credentials and a long-lived refresh token.
type YouTubeConfig struct {
	ClientID      string `yaml:"clientId"`
	ClientSecret  string `yaml:"clientSecret"`
	RefreshToken  string `yaml:"refreshToken"`
	PrivacyStatus string `yaml:"privacyStatus"` // private|unlisted|public
	CategoryID    string `yaml:"categoryId"`
	Endpoint      string `yaml:"endpoint"` // optional API base override
}

// GitHubSettings config for committing videos to a GitHub repository via REST API.
type GitHubSettings struct {
	RepositoryOwner       string           `yaml:"repositoryOwner"`
	RepositoryName        string           `yaml:"repositoryName"`
	Branch                string           `yaml:"branch"`
	BasePath              string           `yaml:"basePath"`
	FilenameTemplate      string           `yaml:"filenameTemplate"`
	CommitMessageTemplate string           `yaml:"commitMessageTemplate"`
	AuthorName            string           `yaml:"authorName"`
	AuthorEmail           string           `yaml:"authorEmail"`
	APIBaseURL            string           `yaml:"apiBaseUrl"` // optional, default https://api.github.com
	Auth                  GitHubAuthConfig `yaml:"auth"`
}

// GitHubAuthConfig holds token-based auth (Personal Access Token).
type GitHubAuthConfig struct {
	Token string `yaml:"token"` // PAT; supports env expansion
}

// IdeasConfig configures topic suggestions from Reddit.
type IdeasConfig struct {
	Enabled    bool     `yaml:"enabled"`
	UserAgent  string   `yaml:"userAgent"`
	BaseURL    string   `yaml:"baseUrl"` // optional, for proxies and tests
	Subreddits []string `yaml:"subreddits"`
	Limit      int      `yaml:"limit"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var REELSMITH_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("REELSMITH_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	postProcessPublish(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "reelsmith.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(64 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.RateLimit.RequestsPerMinute > 0 && cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = 1
	}

	// Queue defaults
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = common.DefaultQueueCapacity
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = common.DefaultMaxAttempts
	}
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = common.DefaultRetryDelay
	}

	// Pipeline defaults
	p := &cfg.Pipeline
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = common.DefaultMaxConcurrency
	}
	if p.TaskTimeout == 0 {
		p.TaskTimeout = common.DefaultTaskTimeout
	}
	if p.ImageFailureTolerance == nil {
		v := common.DefaultImageTolerance
		p.ImageFailureTolerance = &v
	}
	if p.FallbackImageDuration == 0 {
		p.FallbackImageDuration = common.DefaultFallbackImageLength
	}
	if p.ArtifactRetention == 0 {
		p.ArtifactRetention = common.DefaultArtifactRetention
	}
	if p.PruneInterval == 0 {
		p.PruneInterval = time.Hour
	}
	if p.PreviewScenes <= 0 {
		p.PreviewScenes = common.DefaultPreviewScenes
	}

	// Providers default to the offline generators so a bare config still runs.
	if len(cfg.Providers.Script) == 0 {
		cfg.Providers.Script = []ProviderConfig{{Type: ProviderMock}}
	}
	if len(cfg.Providers.Image) == 0 {
		cfg.Providers.Image = []ProviderConfig{{Type: ProviderMock}}
	}
	if len(cfg.Providers.Voice) == 0 {
		cfg.Providers.Voice = []ProviderConfig{{Type: ProviderMock}}
	}
	for i := range cfg.Providers.Script {
		pc := &cfg.Providers.Script[i]
		if strings.EqualFold(pc.Type, ProviderAIProxy) {
			if strings.TrimSpace(pc.AIProxy.BaseURL) == "" {
				pc.AIProxy.BaseURL = "http://localhost:8900"
			}
			if strings.TrimSpace(pc.AIProxy.Model) == "" {
				pc.AIProxy.Model = "gpt-4o-mini"
			}
		}
	}

	// Assembly defaults
	if cfg.Assembly.FFmpegPath == "" {
		cfg.Assembly.FFmpegPath = "ffmpeg"
	}
	if cfg.Assembly.FFprobePath == "" {
		cfg.Assembly.FFprobePath = "ffprobe"
	}
	if cfg.Assembly.Width <= 0 {
		cfg.Assembly.Width = 1920
	}
	if cfg.Assembly.Height <= 0 {
		cfg.Assembly.Height = 1080
	}
	if cfg.Assembly.FPS <= 0 {
		cfg.Assembly.FPS = 25
	}

	// Ideas defaults
	if cfg.Ideas.UserAgent == "" {
		cfg.Ideas.UserAgent = common.DefaultUserAgent
	}
	if len(cfg.Ideas.Subreddits) == 0 {
		cfg.Ideas.Subreddits = []string{"todayilearned", "science", "history"}
	}
	if cfg.Ideas.Limit <= 0 {
		cfg.Ideas.Limit = 10
	}
}

// postProcessPublish performs normalization/defaulting for publish targets.
func postProcessPublish(cfg *Config) {
	for i := range cfg.Publish {
		t := &cfg.Publish[i]
		t.Type = strings.ToLower(strings.TrimSpace(t.Type))
		switch t.Type {
		case ProviderGitHub:
			t.GitHub.BasePath = normalizePathPrefix(t.GitHub.BasePath)
			if strings.TrimSpace(t.GitHub.APIBaseURL) == "" {
				t.GitHub.APIBaseURL = "https://api.github.com"
			}
			if strings.TrimSpace(t.GitHub.FilenameTemplate) == "" {
				t.GitHub.FilenameTemplate = "{{.Date}}-{{.Slug}}.mp4"
			}
			if strings.TrimSpace(t.GitHub.CommitMessageTemplate) == "" {
				t.GitHub.CommitMessageTemplate = "Add video: {{.Title}}"
			}
		case ProviderYouTube:
			if t.YouTube.PrivacyStatus == "" {
				t.YouTube.PrivacyStatus = "private"
			}
			if t.YouTube.CategoryID == "" {
				t.YouTube.CategoryID = "27" // Education
			}
		}
	}
}

var (
	scriptTypes = map[string]bool{ProviderMock: true, ProviderAIProxy: true}
	imageTypes  = map[string]bool{ProviderMock: true, ProviderPollinations: true}
	voiceTypes  = map[string]bool{ProviderMock: true, ProviderEdgeTTS: true}
)

func validate(cfg *Config) error {
	if err := validateProviders("providers.script", cfg.Providers.Script, scriptTypes); err != nil {
		return err
	}
	if err := validateProviders("providers.image", cfg.Providers.Image, imageTypes); err != nil {
		return err
	}
	if err := validateProviders("providers.voice", cfg.Providers.Voice, voiceTypes); err != nil {
		return err
	}
	if tol := *cfg.Pipeline.ImageFailureTolerance; tol < 0 || tol > 1 {
		return fmt.Errorf("pipeline.imageFailureTolerance must be within [0,1], got %v", tol)
	}
	if cfg.Pipeline.TaskTimeout < 0 {
		return errors.New("pipeline.taskTimeout must not be negative")
	}
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug|info|warn|error", cfg.Server.LogLevel)
	}

	for i, t := range cfg.Publish {
		prefix := fmt.Sprintf("publish[%d]", i)
		switch t.Type {
		case ProviderYouTube:
			y := t.YouTube
			if strings.TrimSpace(y.ClientID) == "" || strings.TrimSpace(y.ClientSecret) == "" {
				return fmt.Errorf("%s.youtube.clientId and clientSecret are required", prefix)
			}
			if strings.TrimSpace(y.RefreshToken) == "" {
				return fmt.Errorf("%s.youtube.refreshToken is required", prefix)
			}
			switch y.PrivacyStatus {
			case "private", "unlisted", "public":
			default:
				return fmt.Errorf("%s.youtube.privacyStatus %q is invalid", prefix, y.PrivacyStatus)
			}
		case ProviderGitHub:
			g := t.GitHub
			if strings.TrimSpace(g.RepositoryOwner) == "" {
				return fmt.Errorf("%s.github.repositoryOwner is required", prefix)
			}
			if strings.TrimSpace(g.RepositoryName) == "" {
				return fmt.Errorf("%s.github.repositoryName is required", prefix)
			}
			if strings.TrimSpace(g.Branch) == "" {
				return fmt.Errorf("%s.github.branch is required", prefix)
			}
			if strings.TrimSpace(g.Auth.Token) == "" {
				return fmt.Errorf("%s.github.auth.token is required", prefix)
			}
		default:
			return fmt.Errorf("%s.type %q is not supported", prefix, t.Type)
		}
	}
	return nil
}

func validateProviders(section string, list []ProviderConfig, allowed map[string]bool) error {
	if len(list) == 0 {
		return fmt.Errorf("%s needs at least one provider", section)
	}
	for i := range list {
		list[i].Type = strings.ToLower(strings.TrimSpace(list[i].Type))
		if !allowed[list[i].Type] {
			return fmt.Errorf("%s[%d].type %q is not supported", section, i, list[i].Type)
		}
	}
	return nil
}

func normalizePathPrefix(p string) string {
	if p == "" {
		return p
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	p = strings.TrimPrefix(p, "./")
	return p
}
