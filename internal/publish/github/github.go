package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"text/template"
	"time"

	appcfg "github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/publish"
)

// contentsAPILimit is the largest file the contents API accepts.
const contentsAPILimit = 100 << 20

// Publisher commits finished videos to a GitHub repository using the REST
// contents API, without cloning the repository.
type Publisher struct {
	name string
	cfg  appcfg.GitHubSettings
	http *http.Client
}

var _ publish.Publisher = (*Publisher)(nil)

// New creates a GitHub Publisher with the provided config.
// Uses http.DefaultClient unless a custom client is provided via WithHTTPClient.
func New(name string, cfg appcfg.GitHubSettings) (*Publisher, error) {
	if strings.TrimSpace(cfg.Auth.Token) == "" {
		return nil, fmt.Errorf("github token must not be empty")
	}
	if strings.TrimSpace(cfg.RepositoryOwner) == "" || strings.TrimSpace(cfg.RepositoryName) == "" {
		return nil, fmt.Errorf("repository owner/name must not be empty")
	}
	if strings.TrimSpace(cfg.Branch) == "" {
		return nil, fmt.Errorf("branch must not be empty")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.github.com"
	}
	return &Publisher{
		name: name,
		cfg:  cfg,
		http: http.DefaultClient,
	}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client (e.g., pointing to httptest.Server).
func (p *Publisher) WithHTTPClient(c *http.Client) *Publisher {
	p.http = c
	return p
}

func (p *Publisher) Name() string { return p.name }

func (p *Publisher) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	info, err := os.Stat(req.VideoPath)
	if err != nil {
		return publish.Result{}, fmt.Errorf("stat video: %w", err)
	}
	if info.Size() > contentsAPILimit {
		return publish.Result{}, fmt.Errorf("video is %d bytes, above the contents API limit", info.Size())
	}
	video, err := os.ReadFile(req.VideoPath) // #nosec G304 - path resolved by the artifact store
	if err != nil {
		return publish.Result{}, fmt.Errorf("read video: %w", err)
	}

	filePath, err := p.renderFilename(req)
	if err != nil {
		return publish.Result{}, err
	}
	commitMsg, err := p.renderCommitMessage(req)
	if err != nil {
		return publish.Result{}, err
	}

	// https://docs.github.com/en/rest/repos/contents?apiVersion=2022-11-28#create-or-update-file-contents
	payload := createFilePayload{
		Message: commitMsg,
		Content: base64.StdEncoding.EncodeToString(video),
		Branch:  p.cfg.Branch,
	}
	if p.cfg.AuthorName != "" || p.cfg.AuthorEmail != "" {
		id := &gitIdentity{Name: p.cfg.AuthorName, Email: p.cfg.AuthorEmail}
		payload.Committer = id
		payload.Author = id
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return publish.Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", strings.TrimRight(p.cfg.APIBaseURL, "/"), p.cfg.RepositoryOwner, p.cfg.RepositoryName, filePath)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return publish.Result{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Auth.Token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return publish.Result{}, fmt.Errorf("github request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return publish.Result{}, fmt.Errorf("github api: status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return publish.Result{}, fmt.Errorf("github api: status %d", resp.StatusCode)
	}

	var out createFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return publish.Result{}, fmt.Errorf("decode response: %w", err)
	}

	link := out.Content.HTMLURL
	if link == "" {
		link = fmt.Sprintf("github:%s/%s@%s:%s", p.cfg.RepositoryOwner, p.cfg.RepositoryName, p.cfg.Branch, filePath)
	}
	return publish.Result{
		Provider: p.name,
		RemoteID: out.Commit.SHA,
		URL:      link,
	}, nil
}

func (p *Publisher) renderFilename(req publish.Request) (string, error) {
	data := templateData(req)
	name, err := render(p.cfg.FilenameTemplate, "{{ .Date }}-{{ .JobID }}.mp4", "filename", data)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s.mp4", data["Date"], req.JobID)
	}
	if p.cfg.BasePath != "" {
		name = path.Join(p.cfg.BasePath, name)
	}
	return name, nil
}

func (p *Publisher) renderCommitMessage(req publish.Request) (string, error) {
	msg, err := render(p.cfg.CommitMessageTemplate, "Add video {{ .JobID }}", "commit", templateData(req))
	if err != nil {
		return "", err
	}
	if msg == "" {
		msg = "Add video"
	}
	return msg, nil
}

func templateData(req publish.Request) map[string]any {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]any{
		"JobID":       req.JobID,
		"Timestamp":   ts,
		"Date":        ts.Format("2006-01-02"),
		"Title":       req.Title,
		"Slug":        slugify(req.Title, req.JobID),
		"Description": req.Description,
	}
}

func render(tplStr, defaultTpl, name string, data map[string]any) (string, error) {
	s := strings.TrimSpace(tplStr)
	if s == "" {
		s = defaultTpl
	}
	tpl, err := template.New(name).Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func slugify(title, fallback string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	if s == "" {
		return fallback
	}
	return s
}

// Payload and response structures

type gitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type createFilePayload struct {
	Message   string       `json:"message"`
	Content   string       `json:"content"` // base64
	Branch    string       `json:"branch,omitempty"`
	Committer *gitIdentity `json:"committer,omitempty"`
	Author    *gitIdentity `json:"author,omitempty"`
}

type createFileResponse struct {
	Content struct {
		Path    string `json:"path"`
		HTMLURL string `json:"html_url"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type apiError struct {
	Message string `json:"message"`
}
