package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/metrics"
	"github.com/JakeFAU/fdd-retriever/internal/source"
)

// maxRecentReports bounds the run history kept for GET /v1/runs.
const maxRecentReports = 50

// Dispatcher runs a batch of sources.
type Dispatcher interface {
	Dispatch(ctx context.Context, srcs []source.Source) ([]filing.RunReport, error)
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Config controls the ops server.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the catalog and dispatcher.
type Server struct {
	router     chi.Router
	catalog    *source.Catalog
	dispatcher Dispatcher
	checks     map[string]Check
	logger     *zap.Logger

	// runCtx outlives requests; runs started over HTTP stop when it is canceled.
	runCtx context.Context
	wg     sync.WaitGroup

	mu     sync.Mutex
	recent []filing.RunReport
	active map[string]bool
}

// NewServer constructs a Server with middleware and routes. dispatcher may be nil,
// in which case POST /v1/runs is not routed.
func NewServer(
	runCtx context.Context,
	catalog *source.Catalog,
	dispatcher Dispatcher,
	checks map[string]Check,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		catalog:    catalog,
		dispatcher: dispatcher,
		checks:     checks,
		logger:     logger,
		runCtx:     runCtx,
		active:     make(map[string]bool),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.Get("/runs", s.listRuns)
		if dispatcher != nil {
			r.Post("/runs", s.startRun)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every run started over HTTP has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceView struct {
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction"`
	ListingURL   string `json:"listing_url"`
	Token        bool   `json:"token_pagination"`
	Enrich       bool   `json:"enrich"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	views := make([]sourceView, 0)
	for _, name := range s.catalog.Names() {
		src, _ := s.catalog.Get(name)
		views = append(views, sourceView{
			Name:         src.Name,
			Jurisdiction: src.Jurisdiction,
			ListingURL:   src.ListingURL,
			Token:        src.Token != nil,
			Enrich:       src.Detail.Enabled(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": views})
}

type runRequest struct {
	Sources []string `json:"sources"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	srcs, err := s.catalog.Select(req.Sources...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	names := make([]string, len(srcs))
	for i, src := range srcs {
		names[i] = src.Name
	}
	if !s.claim(names) {
		writeError(w, http.StatusConflict, "a run for one of these sources is already in progress")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(names)
		reports, err := s.dispatcher.Dispatch(s.runCtx, srcs)
		if err != nil {
			s.logger.Warn("http-triggered run interrupted", zap.Error(err))
		}
		s.record(reports)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"sources": names})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]filing.RunReport, len(s.recent))
	copy(out, s.recent)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// Record adds reports from runs started outside the server to GET /v1/runs.
func (s *Server) Record(reports []filing.RunReport) {
	s.record(reports)
}

func (s *Server) record(reports []filing.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, reports...)
	if over := len(s.recent) - maxRecentReports; over > 0 {
		s.recent = append([]filing.RunReport(nil), s.recent[over:]...)
	}
}

func (s *Server) claim(names []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		if s.active[n] {
			return false
		}
	}
	for _, n := range names {
		s.active[n] = true
	}
	return true
}

func (s *Server) release(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.active, n)
	}
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
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
