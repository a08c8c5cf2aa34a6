package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/script"
)

var _ script.Generator = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 90 * time.Second
	errorSnippetLimit = 400
	maxResponseBytes  = 2 << 20

	defaultSystemPrompt = "You write narration scripts for short educational slideshow videos. " +
		"Respond with a single JSON object and nothing else."
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Client implements script.Generator by calling an OpenAI-compatible AI Proxy.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI Proxy script client.
func New(cfg config.AIProxySettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		temperature: optionalFloat32(cfg.Temperature),
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

// Generate asks the model for a JSON script and parses it.
func (c *Client) Generate(ctx context.Context, req script.Request) (jobs.Script, error) {
	reqBody := c.buildRequestBody(req)

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return jobs.Script{}, fmt.Errorf("join url: %w", err)
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return jobs.Script{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return jobs.Script{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return jobs.Script{}, ctx.Err()
		}
		return jobs.Script{}, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return jobs.Script{}, fmt.Errorf("aiproxy status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return jobs.Script{}, fmt.Errorf("%w: parse response: %w", script.ErrScriptGeneration, err)
	}
	if len(comp.Choices) == 0 || strings.TrimSpace(comp.Choices[0].Message.Content) == "" {
		return jobs.Script{}, fmt.Errorf("%w: empty completion", script.ErrScriptGeneration)
	}
	out, err := script.Parse(comp.Choices[0].Message.Content)
	if err != nil {
		return jobs.Script{}, err
	}
	if req.MaxScenes > 0 && len(out.Scenes) > req.MaxScenes {
		out.Scenes = out.Scenes[:req.MaxScenes]
	}
	return out, nil
}

func (c *Client) buildRequestBody(req script.Request) chatCompletionRequest {
	sys := strings.TrimSpace(c.system)
	if sys == "" {
		sys = defaultSystemPrompt
	}
	req2 := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: sys},
			{Role: RoleUser, Content: userPrompt(req)},
		},
		ResponseFmt: map[string]string{"type": "json_object"},
	}
	if c.temperature != nil {
		req2.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req2.MaxTokens = c.maxTokens
	}
	return req2
}

func userPrompt(req script.Request) string {
	scenes := script.SceneCount(req.DurationMinutes)
	if req.MaxScenes > 0 && scenes > req.MaxScenes {
		scenes = req.MaxScenes
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s style video script about %q.\n", req.Style, req.Topic)
	fmt.Fprintf(&b, "Target length: %d minute(s), about %d scenes. Language: %s.\n", req.DurationMinutes, scenes, req.Language)
	b.WriteString("Return JSON with keys: title, description, tags (array of strings), and scenes ")
	b.WriteString("(array of objects with ordinal, text, visual_prompt, duration_seconds). ")
	b.WriteString("text is the spoken narration in the requested language; visual_prompt describes one still image in English.")
	return b.String()
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	ResponseFmt any           `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}
