// Package admin exposes the administrative cache operations over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Arthur1/stalecache/cache"
)

// maxBody is the maximum allowed request body size (1 MB).
const maxBody = 1 << 20

// Cache is the administrative surface of a stalecache.Client.
type Cache interface {
	FlushCache(ctx context.Context, kind string) (int64, error)
	EvictOlderEntries(ctx context.Context, threshold time.Duration) (int64, error)
	Invalidate(ctx context.Context, identity cache.Identity) (bool, error)
	Statistics(ctx context.Context) (cache.Statistics, error)
}

// ReadyChecker reports whether the store is reachable.
type ReadyChecker func(ctx context.Context) error

// Deps holds the dependencies of the admin handler.
type Deps struct {
	Cache          Cache
	ReadyCheck     ReadyChecker // nil = always ready
	MetricsHandler http.Handler // nil = no /metrics
	Logger         *slog.Logger
}

type server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates an http.Handler with all admin routes wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(s.recovery)
	r.Use(s.requestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1/cache", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Delete("/", s.handleFlush)
		r.Delete("/kinds/{kind}", s.handleFlush)
		r.Post("/evict", s.handleEvict)
		r.Post("/invalidate", s.handleInvalidate)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

type countBody struct {
	Deleted int64 `json:"deleted"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError logs the full error and returns a sanitized message.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"invalid request body"})
		return false
	}
	return true
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Statistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Cache.FlushCache(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{n})
}

type evictRequest struct {
	// Threshold is added to now to form the cutoff, e.g. "-24h".
	Threshold string `json:"threshold"`
}

func (s *server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var threshold time.Duration
	if req.Threshold != "" {
		var err error
		if threshold, err = time.ParseDuration(req.Threshold); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{"invalid threshold"})
			return
		}
	}
	n, err := s.deps.Cache.EvictOlderEntries(r.Context(), threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{n})
}

type invalidateRequest struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

type invalidateResponse struct {
	Found bool `json:"found"`
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{"url is required"})
		return
	}
	found, err := s.deps.Cache.Invalidate(r.Context(), cache.Identity{URL: req.URL, Body: req.Body})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{found})
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{"internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-Id"

// requestID echoes or assigns a UUID v7 request ID and logs the request.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(requestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", id),
		)
	})
}
