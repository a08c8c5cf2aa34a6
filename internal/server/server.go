package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/config"
	"github.com/jo-hoe/reelsmith/internal/ideas"
	"github.com/jo-hoe/reelsmith/internal/jobs"
	"github.com/jo-hoe/reelsmith/internal/pipeline"
)

// Videos is the job API the handlers call.
type Videos interface {
	Submit(ctx context.Context, req pipeline.Request) (string, error)
	GetStatus(ctx context.Context, id string) (pipeline.Status, error)
	GetResult(ctx context.Context, id string) (pipeline.Result, error)
	GetScenes(ctx context.Context, id string) (pipeline.SceneList, error)
	List(ctx context.Context, req pipeline.ListRequest) (pipeline.JobList, error)
	Cancel(ctx context.Context, id string) (pipeline.Status, error)
	Preview(ctx context.Context, req pipeline.PreviewRequest) (pipeline.Preview, error)
	ListProviders() map[string][]string
}

// IdeaSource suggests topics. Nil disables the ideas endpoint.
type IdeaSource interface {
	Suggest(ctx context.Context, subreddit string, limit int) ([]ideas.Idea, error)
}

type Service struct {
	Log    *slog.Logger
	Cfg    *config.Config
	Videos Videos
	Ideas  IdeaSource

	limiter *clientLimiter
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	svc.limiter = newClientLimiter(svc.Cfg.Server.RateLimit)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go svc.limiter.run(sweepCtx, limiterSweepInterval, limiterIdleTTL)

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc(http.MethodPost+" "+common.PathVideos, svc.withCommon(svc.handleSubmit))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos, svc.withCommon(svc.handleList))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos+"/{id}", svc.withCommon(svc.handleStatus))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos+"/{id}/result", svc.withCommon(svc.handleResult))
	mux.HandleFunc(http.MethodGet+" "+common.PathVideos+"/{id}/scenes", svc.withCommon(svc.handleScenes))
	mux.HandleFunc(http.MethodPost+" "+common.PathVideos+"/{id}/cancel", svc.withCommon(svc.handleCancel))
	mux.HandleFunc(http.MethodPost+" "+common.PathPreviews, svc.withCommon(svc.handlePreview))
	mux.HandleFunc(http.MethodGet+" "+common.PathProviders, svc.withCommon(svc.handleProviders))
	mux.HandleFunc(http.MethodGet+" "+common.PathIdeas, svc.withCommon(svc.handleIdeas))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	s.RegisterOnShutdown(stopSweep)
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if r.Method == http.MethodPost && !svc.limiter.allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxBodySize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := svc.Videos.Submit(r.Context(), req)
	if err != nil {
		svc.writeServiceError(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     id,
		StatusURL: path.Join(common.PathVideos, id),
	})
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := svc.Videos.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeServiceError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type resultResponse struct {
	pipeline.Result
	ArtifactSize string `json:"artifact_size,omitempty"`
}

func (svc *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := svc.Videos.GetResult(r.Context(), r.PathValue("id"))
	if errors.Is(err, pipeline.ErrNotTerminal) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"stage":    res.Stage,
			"progress": res.Progress,
		})
		return
	}
	if err != nil {
		svc.writeServiceError(w, "result", err)
		return
	}
	out := resultResponse{Result: res}
	if res.Artifact != nil && res.Artifact.Usable() && res.Artifact.Size > 0 {
		out.ArtifactSize = humanize.Bytes(uint64(res.Artifact.Size))
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleScenes(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Videos.GetScenes(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeServiceError(w, "scenes", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.ListRequest{Stage: q.Get("stage")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &req.Limit}, {"offset", &req.Offset}} {
		v := strings.TrimSpace(q.Get(p.name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be an integer")
			return
		}
		*p.dst = n
	}
	list, err := svc.Videos.List(r.Context(), req)
	if err != nil {
		svc.writeServiceError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := svc.Videos.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeServiceError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (svc *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := svc.Videos.Preview(r.Context(), req)
	if err != nil {
		svc.writeServiceError(w, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (svc *Service) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Videos.ListProviders())
}

func (svc *Service) handleIdeas(w http.ResponseWriter, r *http.Request) {
	if svc.Ideas == nil {
		writeError(w, http.StatusNotFound, "ideas are disabled")
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := svc.Ideas.Suggest(r.Context(), r.URL.Query().Get("subreddit"), limit)
	if err != nil {
		svc.logger().Warn("ideas", "err", err)
		writeError(w, http.StatusBadGateway, "topic source unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ideas": list})
}

func (svc *Service) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		ve *pipeline.ValidationError
		se *pipeline.StageError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "job id already in use")
	case pipeline.IsQueueFull(err):
		writeError(w, http.StatusServiceUnavailable, "queue full, try later")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, se.Error())
	default:
		svc.logger().Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (svc *Service) logger() *slog.Logger {
	if svc.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return svc.Log
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

const (
	limiterIdleTTL       = 5 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address and forgets clients
// that have been idle for longer than limiterIdleTTL.
type clientLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	clients map[string]*clientEntry
	now     func() time.Time
}

func newClientLimiter(cfg config.RateLimit) *clientLimiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		every:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   burst,
		clients: make(map[string]*clientEntry),
		now:     time.Now,
	}
}

func (l *clientLimiter) allow(client string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	e, ok := l.clients[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// evictIdle drops clients not seen within maxIdle and reports how many were removed.
func (l *clientLimiter) evictIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	n := 0
	for client, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, client)
			n++
		}
	}
	return n
}

// run sweeps idle clients every interval until ctx is done.
func (l *clientLimiter) run(ctx context.Context, interval, maxIdle time.Duration) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(maxIdle)
		}
	}
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
