package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"file-converter/internal/config"
	"file-converter/internal/lifecycle"
	"file-converter/internal/models"
	"file-converter/internal/ratelimit"
	"file-converter/internal/store"
	"file-converter/internal/telemetry"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Server wires HTTP handlers for the conversion API.
type Server struct {
	cfg     config.Config
	manager *lifecycle.Manager
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, manager *lifecycle.Manager, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SSEInterval <= 0 {
		cfg.SSEInterval = 500 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/formats", s.handleFormats)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/history", s.handleHistory)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/events", s.handleEvents)
	})
	r.Post("/conversions", s.handleConvert)
	return r
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Formats(r.URL.Query().Get("source")))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.manager.History(limit))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.manager.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type createRequest struct {
	FileName     string  `json:"fileName"`
	FileSize     int64   `json:"fileSize"`
	SourceFormat string  `json:"sourceFormat"`
	TargetFormat string  `json:"targetFormat"`
	PreviewURL   *string `json:"previewUrl"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.manager.Create(store.CreateParams{
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		SourceFormat: req.SourceFormat,
		TargetFormat: req.TargetFormat,
		PreviewURL:   req.PreviewURL,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var patch models.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.manager.Update(id, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	deleted, err := s.manager.Delete(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// handleEvents streams job snapshots as server-sent events until the job
// reaches a terminal status or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(s.cfg.SSEInterval)
	defer ticker.Stop()

	for {
		job, err := s.manager.Get(id)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			_ = rc.Flush()
			return
		}
		data, _ := json.Marshal(job)
		fmt.Fprintf(w, "data: %s\n\n", data)
		_ = rc.Flush()
		if job.Status.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

type convertRequest struct {
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	SourceFormat string `json:"sourceFormat"`
	TargetFormat string `json:"targetFormat"`
}

type convertResponse struct {
	Job       models.ConversionJob `json:"job"`
	EventsURL string               `json:"events_url"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.Error("rate limit check", "request_id", RequestID(r.Context()), "err", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	file := models.FileDescriptor{Name: req.FileName, Size: req.FileSize}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		job, err := s.manager.ProcessFile(r.Context(), file, req.SourceFormat, req.TargetFormat)
		if errors.Is(err, lifecycle.ErrConversionFailed) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "job": job})
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	job, err := s.manager.Submit(file, req.SourceFormat, req.TargetFormat)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, convertResponse{
		Job:       job,
		EventsURL: fmt.Sprintf("/jobs/%d/events", job.ID),
	})
}

// fail maps a manager error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrConversionFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "request_id", RequestID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RequestID returns the id attached by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
