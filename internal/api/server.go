// Package api serves the read-only ops surface: health, daemon status,
// learned rules, and the local audit trail. Approval workflows live in
// the CRM UI, so nothing here mutates state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
	"github.com/growlancer/sdr/internal/scheduler"
	"github.com/growlancer/sdr/internal/sources"
	"github.com/growlancer/sdr/internal/storage"
)

// Server is the ops HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	scheduler *scheduler.Scheduler
	breaker   *sources.CircuitBreaker
	rules     *storage.RuleStore
	audits    *storage.AuditStore

	startedAt time.Time
	logger    *logging.Logger
}

// Config for the server. Scheduler and Breaker may be nil; the status
// endpoint then omits their sections.
type Config struct {
	Host      string
	Port      int
	Scheduler *scheduler.Scheduler
	Breaker   *sources.CircuitBreaker
	Rules     *storage.RuleStore
	Audits    *storage.AuditStore
}

// New creates the ops server.
func New(cfg Config) *Server {
	s := &Server{
		scheduler: cfg.Scheduler,
		breaker:   cfg.Breaker,
		rules:     cfg.Rules,
		audits:    cfg.Audits,
		startedAt: time.Now(),
		logger:    logging.WithField("component", "api"),
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/rules", s.handleRules)
		r.Get("/audit/recent", s.handleAuditRecent)
	})

	// Websocket lives outside the timeout middleware: the connection
	// stays open as long as the client listens.
	r.Get("/ws/events", s.handleEvents)

	s.router = r
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("ops server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encode failed: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.scheduler != nil {
		status["scheduler"] = s.scheduler.GetStats()
		status["tasks"] = s.scheduler.Snapshot()
	}
	if s.breaker != nil {
		status["sources"] = s.breaker.Status()
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.Active()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []*core.LearnedRule{}
	}
	s.respondJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.audits.Recent(limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*storage.LocalAuditEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}
