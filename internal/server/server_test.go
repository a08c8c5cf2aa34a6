package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/ideas"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/pipeline"
)

type fakeVideos struct {
	mu        sync.Mutex
	submitted []pipeline.Request
	submitErr error
	results   map[string]pipeline.Result
	cancelled []string
}

func (f *fakeVideos) Submit(_ context.Context, req pipeline.Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if _, err := req.Normalize(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return "job-1", nil
}

func (f *fakeVideos) GetStatus(_ context.Context, id string) (pipeline.Status, error) {
	res, ok := f.results[id]
	if !ok {
		return pipeline.Status{}, jobs.ErrNotFound
	}
	return pipeline.Status{JobID: id, Stage: res.Stage, Progress: res.Progress}, nil
}

func (f *fakeVideos) GetResult(_ context.Context, id string) (pipeline.Result, error) {
	res, ok := f.results[id]
	if !ok {
		return pipeline.Result{}, jobs.ErrNotFound
	}
	if !res.Stage.Terminal() {
		return res, pipeline.ErrNotTerminal
	}
	return res, nil
}

func (f *fakeVideos) GetScenes(_ context.Context, id string) (pipeline.SceneList, error) {
	res, ok := f.results[id]
	if !ok {
		return pipeline.SceneList{}, jobs.ErrNotFound
	}
	return pipeline.SceneList{JobID: id, Stage: res.Stage, Scenes: []jobs.Scene{}}, nil
}

func (f *fakeVideos) List(_ context.Context, req pipeline.ListRequest) (pipeline.JobList, error) {
	return pipeline.JobList{Jobs: []pipeline.Status{}, Limit: req.Limit, Offset: req.Offset}, nil
}

func (f *fakeVideos) Cancel(_ context.Context, id string) (pipeline.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return pipeline.Status{JobID: id, CancelRequested: true}, nil
}

func (f *fakeVideos) Preview(_ context.Context, req pipeline.PreviewRequest) (pipeline.Preview, error) {
	if req.Topic == "explode" {
		panic("boom")
	}
	return pipeline.Preview{Title: "Preview of " + req.Topic, Scenes: []pipeline.PreviewScene{{Ordinal: 1, Narration: "n"}}}, nil
}

func (f *fakeVideos) ListProviders() map[string][]string {
	return map[string][]string{"image": {"pollinations", "mock"}}
}

type fakeIdeas struct{ err error }

func (f fakeIdeas) Suggest(_ context.Context, sub string, limit int) ([]ideas.Idea, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []ideas.Idea{{Topic: "Ideas from " + sub, Score: limit}}, nil
}

func newTestServer(t *testing.T, videos Videos, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.MaxBodySize = 1024
	if mutate != nil {
		mutate(cfg)
	}
	svc := &Service{
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:    cfg,
		Videos: videos,
		Ideas:  fakeIdeas{},
	}
	ts := httptest.NewServer(NewHTTPServer(svc).Handler)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{}, nil)
	resp, out := do(t, http.MethodGet, ts.URL+common.PathHealthz, "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
}

func TestSubmit(t *testing.T) {
	videos := &fakeVideos{}
	ts := newTestServer(t, videos, nil)

	resp, out := do(t, http.MethodPost, ts.URL+common.PathVideos, `{"topic":"volcanoes","duration_minutes":1,"auto_publish":true}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["job_id"] != "job-1" || out["status_url"] != "/v1/videos/job-1" {
		t.Fatalf("body = %v", out)
	}
	if len(videos.submitted) != 1 || !videos.submitted[0].AutoPublish {
		t.Fatalf("submitted = %+v", videos.submitted)
	}

	cases := map[string]struct {
		body string
		want int
	}{
		"validation":    {`{"topic":"hi"}`, http.StatusBadRequest},
		"unknown field": {`{"topic":"volcanoes","color":"red"}`, http.StatusBadRequest},
		"malformed":     {`{"topic":`, http.StatusBadRequest},
		"too large":     {`{"topic":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, ts.URL+common.PathVideos, c.body, nil)
			if resp.StatusCode != c.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, c.want)
			}
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{submitErr: errors.Join(errors.New("queue job"), jobs.ErrQueueFull)}, nil)
	resp, _ := do(t, http.MethodPost, ts.URL+common.PathVideos, `{"topic":"volcanoes"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusAndResult(t *testing.T) {
	videos := &fakeVideos{results: map[string]pipeline.Result{
		"running": {JobID: "running", Stage: jobs.StageProcessing, Progress: 45},
		"done": {JobID: "done", Stage: jobs.StageCompleted, Progress: 100,
			Artifact: &artifact.Ref{Kind: artifact.KindVideo, Handle: "video/a.mp4", Digest: "sha256:00", Size: 2_500_000}},
		"skipped": {JobID: "skipped", Stage: jobs.StageCompleted, Progress: 100, AssemblySkipped: true,
			Artifact: &artifact.Ref{Kind: artifact.KindVideo, Skipped: true, Note: "ffmpeg not found"}},
	}}
	ts := newTestServer(t, videos, nil)

	resp, out := do(t, http.MethodGet, ts.URL+"/v1/videos/running", "", nil)
	if resp.StatusCode != http.StatusOK || out["stage"] != "processing" || out["progress"] != float64(45) {
		t.Fatalf("status = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, http.MethodGet, ts.URL+"/v1/videos/running/result", "", nil)
	if resp.StatusCode != http.StatusConflict || out["progress"] != float64(45) {
		t.Fatalf("result of running job = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, http.MethodGet, ts.URL+"/v1/videos/done/result", "", nil)
	if resp.StatusCode != http.StatusOK || out["artifact_size"] != "2.5 MB" || out["assembly_skipped"] != false {
		t.Fatalf("result = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, http.MethodGet, ts.URL+"/v1/videos/skipped/result", "", nil)
	if resp.StatusCode != http.StatusOK || out["assembly_skipped"] != true || out["artifact_size"] != nil {
		t.Fatalf("skipped result = %d %v", resp.StatusCode, out)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/videos/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing = %d", resp.StatusCode)
	}
}

func TestCancel(t *testing.T) {
	videos := &fakeVideos{}
	ts := newTestServer(t, videos, nil)
	resp, out := do(t, http.MethodPost, ts.URL+"/v1/videos/abc/cancel", "", nil)
	if resp.StatusCode != http.StatusAccepted || out["cancel_requested"] != true {
		t.Fatalf("cancel = %d %v", resp.StatusCode, out)
	}
	if len(videos.cancelled) != 1 || videos.cancelled[0] != "abc" {
		t.Fatalf("cancelled = %v", videos.cancelled)
	}
}

func TestPreviewProvidersIdeas(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{}, nil)

	resp, out := do(t, http.MethodPost, ts.URL+common.PathPreviews, `{"topic":"coral reefs","scenes":2}`, nil)
	if resp.StatusCode != http.StatusOK || out["title"] != "Preview of coral reefs" {
		t.Fatalf("preview = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, http.MethodGet, ts.URL+common.PathProviders, "", nil)
	if resp.StatusCode != http.StatusOK || out["image"] == nil {
		t.Fatalf("providers = %d %v", resp.StatusCode, out)
	}
	resp, out = do(t, http.MethodGet, ts.URL+common.PathIdeas+"?subreddit=science&limit=3", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ideas = %d", resp.StatusCode)
	}
	list, _ := out["ideas"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["topic"] != "Ideas from science" {
		t.Fatalf("ideas body = %v", out)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+common.PathIdeas+"?limit=abc", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", resp.StatusCode)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{}, nil)
	resp, _ := do(t, http.MethodPost, ts.URL+common.PathPreviews, `{"topic":"explode"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{}, func(c *config.Config) { c.Server.APIKey = "secret" })
	resp, _ := do(t, http.MethodGet, ts.URL+common.PathProviders, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without key = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+common.PathProviders, "", map[string]string{common.HeaderAPIKey: "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+common.PathHealthz, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", resp.StatusCode)
	}
}

func TestRateLimitAppliesToPosts(t *testing.T) {
	ts := newTestServer(t, &fakeVideos{}, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimit{RequestsPerMinute: 1, Burst: 1}
	})
	resp, _ := do(t, http.MethodPost, ts.URL+common.PathVideos, `{"topic":"volcanoes"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+common.PathVideos, `{"topic":"volcanoes"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+common.PathProviders, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET should not be limited, got %d", resp.StatusCode)
	}
}

func TestIdeasUpstreamFailure(t *testing.T) {
	cfg := &config.Config{}
	svc := &Service{Cfg: cfg, Videos: &fakeVideos{}, Ideas: fakeIdeas{err: errors.New("reddit down")}}
	ts := httptest.NewServer(NewHTTPServer(svc).Handler)
	defer ts.Close()
	resp, _ := do(t, http.MethodGet, ts.URL+common.PathIdeas, "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

type nopQueue struct{}

func (nopQueue) Submit(string) error { return nil }

func TestListAndScenes(t *testing.T) {
	store := jobs.NewMemoryStore()
	videos := &pipeline.Service{Store: store, Queue: nopQueue{}}
	ts := newTestServer(t, videos, nil)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		resp, out := do(t, http.MethodPost, ts.URL+common.PathVideos, `{"job_id":"`+id+`","topic":"volcanoes of iceland"}`, nil)
		if resp.StatusCode != http.StatusAccepted || out["job_id"] != id {
			t.Fatalf("submit %s = %d %v", id, resp.StatusCode, out)
		}
	}
	resp, _ := do(t, http.MethodPost, ts.URL+common.PathVideos, `{"job_id":"a1","topic":"volcanoes of iceland"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate id = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+common.PathVideos, `{"job_id":"no spaces/allowed","topic":"volcanoes of iceland"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id = %d", resp.StatusCode)
	}

	if _, err := store.Transition(ctx, "a2", jobs.StageGenerating, 5); err != nil {
		t.Fatal(err)
	}

	resp, out := do(t, http.MethodGet, ts.URL+common.PathVideos+"?limit=2", "", nil)
	list, _ := out["jobs"].([]any)
	if resp.StatusCode != http.StatusOK || out["total"] != float64(3) || len(list) != 2 {
		t.Fatalf("list = %d %v", resp.StatusCode, out)
	}
	if first, _ := list[0].(map[string]any); first["job_id"] != "a1" {
		t.Fatalf("list order = %v", list)
	}

	resp, out = do(t, http.MethodGet, ts.URL+common.PathVideos+"?stage=generating&offset=0", "", nil)
	list, _ = out["jobs"].([]any)
	if resp.StatusCode != http.StatusOK || out["total"] != float64(1) || len(list) != 1 {
		t.Fatalf("filtered list = %d %v", resp.StatusCode, out)
	}
	if only, _ := list[0].(map[string]any); only["job_id"] != "a2" || only["stage"] != "generating" {
		t.Fatalf("filtered job = %v", list[0])
	}

	for _, q := range []string{"?stage=bogus", "?limit=abc", "?limit=1000", "?offset=-1"} {
		if resp, _ := do(t, http.MethodGet, ts.URL+common.PathVideos+q, "", nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("list%s = %d", q, resp.StatusCode)
		}
	}

	// Partial media stays visible per scene.
	if _, err := store.AttachScript(ctx, "a2", jobs.Script{Title: "Iceland", Scenes: []jobs.ScriptScene{
		{Text: "Fire.", VisualPrompt: "lava"},
		{Text: "Ice.", VisualPrompt: "glacier"},
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AttachSceneArtifact(ctx, "a2", 0, artifact.Ref{Kind: artifact.KindImage, Handle: "image/lava.png"}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AttachSceneArtifact(ctx, "a2", 0, artifact.Ref{Kind: artifact.KindAudio, Handle: "audio/fire.wav"}, 2.5); err != nil {
		t.Fatal(err)
	}
	resp, out = do(t, http.MethodGet, ts.URL+common.PathVideos+"/a2/scenes", "", nil)
	scenes, _ := out["scenes"].([]any)
	if resp.StatusCode != http.StatusOK || len(scenes) != 2 || out["stage"] != "generating" {
		t.Fatalf("scenes = %d %v", resp.StatusCode, out)
	}
	first, _ := scenes[0].(map[string]any)
	img, _ := first["image"].(map[string]any)
	audio, _ := first["audio"].(map[string]any)
	if first["narration"] != "Fire." || first["visual_prompt"] != "lava" || img["handle"] != "image/lava.png" ||
		audio["handle"] != "audio/fire.wav" || first["audio_seconds"] != 2.5 {
		t.Fatalf("scene 1 = %v", first)
	}
	if second, _ := scenes[1].(map[string]any); second["image"] != nil || second["ordinal"] != float64(2) {
		t.Fatalf("scene 2 = %v", second)
	}

	resp, out = do(t, http.MethodGet, ts.URL+common.PathVideos+"/a3/scenes", "", nil)
	if scenes, ok := out["scenes"].([]any); resp.StatusCode != http.StatusOK || !ok || len(scenes) != 0 {
		t.Fatalf("scenes before script = %d %v", resp.StatusCode, out)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+common.PathVideos+"/missing/scenes", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing scenes = %d", resp.StatusCode)
	}
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	l := newClientLimiter(config.RateLimit{RequestsPerMinute: 60})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		l.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	now = now.Add(4 * time.Minute)
	l.allow("10.0.0.7")
	now = now.Add(2 * time.Minute)

	if n := l.evictIdle(limiterIdleTTL); n != 99 {
		t.Fatalf("evicted %d, want 99", n)
	}
	if l.size() != 1 {
		t.Fatalf("size = %d, want 1", l.size())
	}
}

func TestClientLimiter_SweepStopsWithContext(t *testing.T) {
	l := newClientLimiter(config.RateLimit{RequestsPerMinute: 60})
	var mu sync.Mutex
	now := time.Now()
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l.allow("10.0.0.1")
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.run(ctx, 5*time.Millisecond, time.Minute)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for l.size() != 0 {
		select {
		case <-deadline:
			t.Fatalf("idle client not evicted by sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep did not stop after cancel")
	}
}
