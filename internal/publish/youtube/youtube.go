package youtube

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	appcfg "github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/publish"
)

const (
	watchURL       = "https://www.youtube.com/watch?v=%s"
	maxTitleLength = 100
	maxDescLength  = 5000
)

// Publisher uploads videos through the YouTube Data API v3.
type Publisher struct {
	name string
	cfg  appcfg.YouTubeConfig
	svc  *yt.Service
}

var _ publish.Publisher = (*Publisher)(nil)

// New authenticates with a refresh token and prepares the API client.
func New(ctx context.Context, name string, cfg appcfg.YouTubeConfig) (*Publisher, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" || strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, fmt.Errorf("youtube client id, secret and refresh token are required")
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{yt.YoutubeUploadScope},
	}
	token := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force refresh
	}
	return newPublisher(ctx, name, cfg, conf.Client(ctx, token))
}

func newPublisher(ctx context.Context, name string, cfg appcfg.YouTubeConfig, client *http.Client) (*Publisher, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Publisher{name: name, cfg: cfg, svc: svc}, nil
}

func (p *Publisher) Name() string { return p.name }

func (p *Publisher) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	f, err := os.Open(req.VideoPath) // #nosec G304 - path resolved by the artifact store
	if err != nil {
		return publish.Result{}, fmt.Errorf("open video file: %w", err)
	}
	defer func() { _ = f.Close() }()

	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       clip(req.Title, maxTitleLength),
			Description: clip(req.Description, maxDescLength),
			Tags:        req.Tags,
			CategoryId:  p.cfg.CategoryID,
		},
		Status: &yt.VideoStatus{
			PrivacyStatus:           p.cfg.PrivacyStatus,
			SelfDeclaredMadeForKids: false,
		},
	}
	if video.Snippet.Title == "" {
		video.Snippet.Title = req.JobID
	}

	uploaded, err := p.svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return publish.Result{}, fmt.Errorf("youtube upload: %w", err)
	}
	return publish.Result{
		Provider: p.name,
		RemoteID: uploaded.Id,
		URL:      fmt.Sprintf(watchURL, uploaded.Id),
	}, nil
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
