package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
	"github.com/JakeFAU/forum-crawler/internal/worker"
)

// FrontierView is the frontier surface the API reads and seeds.
type FrontierView interface {
	Stats(ctx context.Context) (map[crawler.Status]int, error)
	AddURLs(ctx context.Context, urls []string, urlType crawler.URLType) (int, error)
}

// StatusSource reports worker progress.
type StatusSource interface {
	Status() worker.Status
}

// Server wires HTTP handlers to the frontier and worker.
type Server struct {
	router   chi.Router
	frontier FrontierView
	worker   StatusSource
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. worker may be
// nil when the process runs without a crawl loop.
func NewServer(frontier FrontierView, worker StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		frontier: frontier,
		worker:   worker,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/frontier/stats", s.frontierStats)
		r.Post("/frontier/urls", s.addURLs)
		r.Get("/worker", s.workerStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.frontier.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

func (s *Server) frontierStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.frontier.Stats(r.Context())
	if err != nil {
		s.logger.Warn("frontier stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	resp := statsResponse{
		Pending:    counts[crawler.StatusPending],
		Processing: counts[crawler.StatusProcessing],
		Completed:  counts[crawler.StatusCompleted],
		Failed:     counts[crawler.StatusFailed],
	}
	resp.Total = resp.Pending + resp.Processing + resp.Completed + resp.Failed
	writeJSON(w, http.StatusOK, resp)
}

type addURLsRequest struct {
	URLs []string        `json:"urls"`
	Type crawler.URLType `json:"type"`
}

func (s *Server) addURLs(w http.ResponseWriter, r *http.Request) {
	var req addURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if req.Type == "" {
		req.Type = crawler.URLTypeListing
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be listing or topic")
		return
	}
	added, err := s.frontier.AddURLs(r.Context(), req.URLs, req.Type)
	if err != nil {
		s.logger.Warn("add urls failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"added": added})
}

func (s *Server) workerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusNotFound, "no worker in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.worker.Status())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
