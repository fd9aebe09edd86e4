// Package server wires the realtime endpoints, the lottery draw and the
// operational endpoints onto one chi router.
package server

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
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/chagpt/internal/chagpt"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/metrics"
	"github.com/markb/chagpt/internal/observability"
	"github.com/markb/chagpt/internal/realtime"
)

// Endpoint paths.
const (
	PathAudience = "/chagpt"
	PathAdmin    = "/chagpt-admin"
	PathEmitter  = "/danmaku"
	PathLottery  = "/eth/block"
)

const (
	defaultLogLines = 100
	maxLogLines     = 5000
	healthTimeout   = 2 * time.Second
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds everything the router needs besides the service.
type Config struct {
	Realtime realtime.Options

	// Lottery serves PathLottery. Nil leaves the route unregistered.
	Lottery     http.Handler
	CORSOrigins []string

	Store    Pinger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	// Telemetry traces every request. Nil disables tracing middleware.
	Telemetry *observability.Telemetry
}

type Server struct {
	service *chagpt.Service
	cfg     Config
	router  *chi.Mux

	httpServer   *http.Server
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

func New(service *chagpt.Service, cfg Config) *Server {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.cfg.Telemetry != nil {
		s.router.Use(observability.HTTPMiddleware(s.cfg.Telemetry, "chagpt"))
	}
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.StripSlashes)

	s.router.Get(PathAudience, s.realtimeHandler("audience", s.service.NewAudience))
	s.router.Get(PathAdmin, s.realtimeHandler("admin", s.service.NewAdmin))
	s.router.Get(PathEmitter, s.realtimeHandler("emitter", s.service.NewEmitter))

	if s.cfg.Lottery != nil {
		s.router.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.cfg.CORSOrigins,
				AllowedMethods: []string{"POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         300,
			}))
			r.Post(PathLottery, s.cfg.Lottery.ServeHTTP)
			r.Options(PathLottery, func(w http.ResponseWriter, r *http.Request) {})
		})
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/debug/logs", s.handleLogs)
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", metrics.Handler(s.cfg.Registry))
	}
}

func (s *Server) realtimeHandler(role string, newRole func() realtime.Role) http.HandlerFunc {
	opts := s.cfg.Realtime
	opts.RoleName = role
	opts.Metrics = s.cfg.Metrics
	return realtime.Handler(newRole, opts)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			log.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Registry().Stats())
}

type logsResponse struct {
	Lines    []string `json:"lines"`
	Total    int      `json:"total"`
	Capacity int      `json:"capacity"`
}

// handleLogs returns the newest n buffered log lines (?n=, default 100).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	total, capacity, ok := log.GetBufferStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "log buffer disabled"})
		return
	}

	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = min(parsed, maxLogLines)
	}

	lines := log.GetBufferedLogs(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines, Total: total, Capacity: capacity})
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests. Upgraded connections are not tracked by
// net/http and end when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}

	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
