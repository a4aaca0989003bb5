// Package api exposes the shield over HTTP: the shielded chat-completion
// endpoint, the status and penalty observability endpoints, and /metrics.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecoshield/proxy/internal/config"
	"github.com/ecoshield/proxy/internal/llm"
	"github.com/ecoshield/proxy/internal/metrics"
	"github.com/ecoshield/proxy/internal/middleware"
	"github.com/ecoshield/proxy/internal/shield"
)

// Version reported by the status endpoint.
const Version = "1.0.0"

// Server wires the pipeline and upstream client into HTTP handlers.
type Server struct {
	cfg      *config.Config
	pipeline *shield.Pipeline
	upstream llm.Client
	metrics  *metrics.Metrics
	limiter  *middleware.RateLimiter
	logger   *log.Logger
}

// NewServer builds the HTTP server around its collaborators. metrics may be
// nil in tests.
func NewServer(cfg *config.Config, p *shield.Pipeline, upstream llm.Client, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		upstream: upstream,
		metrics:  m,
		limiter:  middleware.NewRateLimiter(cfg.RateLimit.MaxPerMinute, cfg.RateLimit.BurstSize),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the mux router with all routes and middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.recoverMiddleware)

	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.limiter.Middleware)
	v1.HandleFunc("/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	v1.HandleFunc("/shield/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/shield/unflag", s.handleUnflag).Methods(http.MethodPost)

	return r
}

// Stop releases background resources (the rate limiter's cleanup goroutine).
func (s *Server) Stop() {
	s.limiter.Stop()
}

// recoverMiddleware turns an unexpected panic anywhere below into a 500
// instead of tearing down the connection.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"detail": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "active",
		"service": "llm-shield",
		"version": Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
