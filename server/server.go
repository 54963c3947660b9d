// Package server exposes the operational HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"boletin-digest/docstore"
	"boletin-digest/pipeline"
	"boletin-digest/pkg/digest"
	"boletin-digest/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Runner triggers a digest run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// Store reads run markers and checks database health.
type Store interface {
	Ping(ctx context.Context) error
	LatestRunMarker(ctx context.Context, env digest.Environment) (*digest.RunMarker, error)
}

// Archive reads archived operator reports.
type Archive interface {
	LatestReport(ctx context.Context) ([]byte, error)
	ReportKeys(ctx context.Context) ([]string, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	runner     Runner
	store      Store
	archive    Archive
	logger     *slog.Logger
	isNotFound IsNotFound
}

// Config holds server configuration.
type Config struct {
	Runner     Runner
	Store      Store
	Archive    Archive
	Logger     *slog.Logger
	IsNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(err error) bool {
			return errors.Is(err, docstore.ErrNotFound) || storage.IsNotFound(err)
		}
	}
	return &Server{
		runner:     cfg.Runner,
		store:      cfg.Store,
		archive:    cfg.Archive,
		logger:     cfg.Logger,
		isNotFound: isNotFound,
	}
}

// Routes returns the router with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/runz", s.handleRun)
	r.Get("/runs/latest", s.handleLatestRun)
	r.Get("/stats", s.handleStats)
	r.Get("/reports", s.handleReports)
	return r
}

// ListenAndServe starts the server on port.
func (s *Server) ListenAndServe(port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Minute, // A run mails every user before answering
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Run endpoint triggered", "request_id", middleware.GetReqID(r.Context()))

	summary, err := s.runner.Run(r.Context())
	if err != nil {
		s.logger.Error("Digest run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	env := digest.Production
	switch q := r.URL.Query().Get("environment"); q {
	case "", string(digest.Production):
	case string(digest.Test):
		env = digest.Test
	default:
		http.Error(w, "Unknown environment", http.StatusBadRequest)
		return
	}

	m, err := s.store.LatestRunMarker(r.Context(), env)
	if s.isNotFound(err) {
		http.Error(w, "No run recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run marker", "environment", env, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	raw, err := s.archive.LatestReport(r.Context())
	if s.isNotFound(err) {
		http.Error(w, "No report archived", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load latest report", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	keys, err := s.archive.ReportKeys(r.Context())
	if err != nil {
		s.logger.Error("Failed to list reports", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"reports": keys})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
