// Package api exposes the HTTP interface for the novel crawl service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/broadcast"
	"github.com/inkbound/novelgrab/internal/config"
	"github.com/inkbound/novelgrab/internal/crawl"
	"github.com/inkbound/novelgrab/internal/fetch"
	"github.com/inkbound/novelgrab/internal/middleware"
	"github.com/inkbound/novelgrab/internal/netguard"
	"github.com/inkbound/novelgrab/internal/telemetry"
)

// JobSubmitter validates and schedules a crawl job.
type JobSubmitter interface {
	Submit(rawURL, jobID string) error
}

// BatchRunner fetches a list of chapters with bounded concurrency.
type BatchRunner interface {
	FetchBatch(ctx context.Context, chapters []fetch.ChapterRequest, jobID, userAgent string) ([]fetch.ChapterResult, error)
}

// ImageFetcher retrieves a single resource through the safe-fetch discipline.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Result, error)
}

// maxRequestBody caps inbound JSON payloads. Chapter batches are lists of
// URLs, not content, so 1 MiB is generous.
const maxRequestBody = 1 << 20

// Server wires HTTP handlers to the orchestrator, batch fetcher and hub.
type Server struct {
	router chi.Router
	jobs   JobSubmitter
	batch  BatchRunner
	images ImageFetcher
	hub    *broadcast.Hub
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobSubmitter,
	batch BatchRunner,
	images ImageFetcher,
	hub *broadcast.Hub,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		batch:  batch,
		images: images,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	// The event channel upgrades to a websocket, so it stays outside the
	// timeout handler: TimeoutHandler's writer cannot be hijacked.
	r.Get("/events", s.events)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Use(middleware.BodyLimit(maxRequestBody))
		r.Post("/novel-info", s.novelInfo)
		r.Post("/chapters-batch", s.chaptersBatch)
		r.Get("/proxy-image", s.proxyImage)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

type novelInfoRequest struct {
	URL   string `json:"url"`
	JobID string `json:"jobId"`
}

// novelInfo validates the submission synchronously and acknowledges it;
// everything discovered about the novel arrives on the job's event channel.
func (s *Server) novelInfo(w http.ResponseWriter, r *http.Request) {
	var req novelInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.jobs.Submit(req.URL, req.JobID); err != nil {
		var vErr *crawl.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to schedule job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "queued",
		"jobId":   req.JobID,
		"message": "crawl scheduled; subscribe to the job channel for progress",
	})
}

type chaptersBatchRequest struct {
	Chapters  json.RawMessage `json:"chapters"`
	JobID     string          `json:"jobId"`
	UserAgent string          `json:"userAgent"`
}

func (s *Server) chaptersBatch(w http.ResponseWriter, r *http.Request) {
	var req chaptersBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Chapters) == 0 {
		writeError(w, http.StatusBadRequest, "chapters must be a JSON array")
		return
	}
	var chapters []fetch.ChapterRequest
	if err := json.Unmarshal(req.Chapters, &chapters); err != nil || chapters == nil {
		// A JSON null unmarshals into a nil slice without error; only a real
		// array yields a non-nil slice.
		writeError(w, http.StatusBadRequest, "chapters must be a JSON array")
		return
	}

	results, err := s.batch.FetchBatch(r.Context(), chapters, req.JobID, req.UserAgent)
	if err != nil {
		s.logger.Error("batch fetch failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "batch fetch failed",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// proxyImage fetches a remote image through the safe-fetch discipline and
// relays body and content type, so browser clients never touch the origin.
func (s *Server) proxyImage(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	res, err := s.images.Fetch(r.Context(), rawURL)
	if err != nil {
		status, msg := imageErrorStatus(err)
		writeError(w, status, msg)
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(res.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Warn("image relay write failed", zap.Error(err))
	}
}

// imageErrorStatus maps fetch failures onto the proxy's status contract.
func imageErrorStatus(err error) (int, string) {
	var vErr *fetch.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, vErr.Reason
	}
	var unsafeErr *netguard.UnsafeTargetError
	if errors.As(err, &unsafeErr) {
		return http.StatusForbidden, "target address is not allowed"
	}
	var largeErr *fetch.PayloadTooLargeError
	if errors.As(err, &largeErr) {
		return http.StatusRequestEntityTooLarge, "image exceeds the size limit"
	}
	return http.StatusInternalServerError, "failed to fetch image"
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
