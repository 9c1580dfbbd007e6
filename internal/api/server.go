// Package api exposes the operational HTTP surface: health, broker queue
// statistics and Prometheus metrics. Delivery itself never flows through
// here; ingestion is asynchronous by design.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbormail/mailflow/internal/metrics"
	"github.com/arbormail/mailflow/internal/queue"
)

// Config is the admin server configuration.
type Config struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// QueueStats is the slice of the queue manager the server reads.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Jobs(ctx context.Context, state string, limit int) ([]queue.JobSummary, error)
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	queue      QueueStats
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

func NewServer(config Config, q QueueStats, logger *slog.Logger) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8025"
	}
	s := &Server{
		config:    config,
		queue:     q,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	router.HandleFunc("/api/queue/jobs", s.handleQueueJobs).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Use(s.loggingMiddleware)

	s.httpServer = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Serve blocks until Stop is called or the listener fails. A clean shutdown
// returns nil.
func (s *Server) Serve() error {
	s.logger.Info("admin api listening", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin api server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if _, err := s.queue.Stats(r.Context()); err != nil {
		status = "degraded: broker unreachable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("querying broker: %v", err),
		})
		return
	}

	// Refresh the depth gauges on read; cheap and keeps scrape and API view
	// consistent.
	m := metrics.Get()
	m.QueueDepth.WithLabelValues("created").Set(float64(stats.Created))
	m.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
	m.QueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	m.QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	switch state {
	case "", "created", "active", "completed", "failed":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown state %q", state),
		})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}

	jobs, err := s.queue.Jobs(r.Context(), state, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("querying broker: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
