package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/script"
)

func completion(content string) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      "id-123",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
	}
}

func TestAIProxy_Generate_Success(t *testing.T) {
	var seenAuth string
	var seenBody chatCompletionRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("```json\n" +
			`{"title":"Volcanoes","description":"Fire mountains","tags":["geology"],"scenes":[` +
			`{"ordinal":1,"text":"Magma rises.","visual_prompt":"magma chamber","duration_seconds":8},` +
			`{"ordinal":2,"text":"Eruptions reshape land.","visual_prompt":"erupting volcano","duration_seconds":9}]}` +
			"\n```"))
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{
		BaseURL:      ts.URL,
		APIKey:       "k123",
		Model:        "gpt-4o-mini",
		SystemPrompt: "System X",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := c.Generate(ctx, script.Request{Topic: "volcanoes", DurationMinutes: 1, Style: "documentary", Language: "en"})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if s.Title != "Volcanoes" || len(s.Scenes) != 2 || s.Scenes[1].VisualPrompt != "erupting volcano" {
		t.Fatalf("unexpected script: %+v", s)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("missing/incorrect auth header, got %q", seenAuth)
	}
	if seenBody.Model != "gpt-4o-mini" {
		t.Fatalf("expected model gpt-4o-mini, got %q", seenBody.Model)
	}
	if len(seenBody.Messages) != 2 || seenBody.Messages[0].Content != "System X" {
		t.Fatalf("system prompt not set correctly: %+v", seenBody.Messages)
	}
	if !strings.Contains(seenBody.Messages[1].Content, `"volcanoes"`) || !strings.Contains(seenBody.Messages[1].Content, "Language: en") {
		t.Fatalf("user prompt missing inputs: %q", seenBody.Messages[1].Content)
	}
}

func TestAIProxy_Generate_TruncatesForPreview(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(`{"title":"t","scenes":[{"text":"a"},{"text":"b"},{"text":"c"}]}`))
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "m"})
	s, err := c.Generate(context.Background(), script.Request{Topic: "topic", DurationMinutes: 1, MaxScenes: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(s.Scenes) != 2 {
		t.Fatalf("scenes = %d, want 2", len(s.Scenes))
	}
}

func TestAIProxy_Generate_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "m"})
	if _, err := c.Generate(context.Background(), script.Request{Topic: "x"}); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestAIProxy_Generate_Unparsable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion("Sorry, I cannot help with that."))
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "m"})
	_, err := c.Generate(context.Background(), script.Request{Topic: "x"})
	if !errors.Is(err, script.ErrScriptGeneration) {
		t.Fatalf("err = %v, want ErrScriptGeneration", err)
	}
}

func TestAIProxy_Generate_ContextCancel(t *testing.T) {
	var started int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&started, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "m"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := c.Generate(ctx, script.Request{Topic: "x"}); err == nil {
		t.Fatalf("expected context cancellation error")
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Fatalf("server was not invoked; test invalid")
	}
}
