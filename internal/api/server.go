// Package api is the gateway's HTTP surface: the connect endpoint the
// casting clients hit, the admin device/log endpoints behind bearer
// auth, and the Prometheus scrape target.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castgate/castgate/internal/auth"
	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/config"
	"github.com/castgate/castgate/internal/firewall"
	"github.com/castgate/castgate/internal/logging"
	"github.com/castgate/castgate/internal/metrics"
	"github.com/castgate/castgate/internal/session"
	"github.com/castgate/castgate/internal/store"
)

// Reachability is the slice of the prober the API uses.
type Reachability interface {
	IsReachable(ctx context.Context, ip string) bool
}

// PairLister reports the current filter set contents for the status
// endpoint.
type PairLister interface {
	ListPairs() ([]firewall.Pair, error)
}

// ServerOptions holds the server's dependencies.
type ServerOptions struct {
	Config   *config.Config
	Store    *store.Store
	Sessions *session.Manager
	Prober   Reachability
	Filter   PairLister
	Tokens   *auth.TokenManager
	Logger   *logging.Logger
}

// Server handles API requests.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	sessions  *session.Manager
	prober    Reachability
	filter    PairLister
	tokens    *auth.TokenManager
	logger    *logging.Logger
	startTime time.Time

	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		sessions:  opts.Sessions,
		prober:    opts.Prober,
		filter:    opts.Filter,
		tokens:    opts.Tokens,
		logger:    logger.WithComponent("api"),
		startTime: clock.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Client surface
	s.mux.HandleFunc("POST /api/sessions", s.handleConnect)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/devices/{room}/ping", s.handlePing)
	s.mux.HandleFunc("GET /api/qr/{room}", s.handleQR)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Admin surface
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/devices", s.requireAdmin(s.handleCreateDevice))
	s.mux.HandleFunc("DELETE /api/devices/{room}", s.requireAdmin(s.handleDeleteDevice))
	s.mux.HandleFunc("PUT /api/devices/{room}/status", s.requireAdmin(s.handleSetDeviceStatus))
	s.mux.HandleFunc("GET /api/logs", s.requireAdmin(s.handleLogs))

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route pattern.
// Labeling by the matched pattern, not the raw path, keeps the metric
// cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := s.mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		reg := metrics.Get()
		reg.APIRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		reg.APILatency.WithLabelValues(r.Method, pattern).Observe(clock.Since(start).Seconds())
	})
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("api listening", "addr", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requireAdmin gates a handler behind a valid bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		if _, err := s.tokens.Verify(token); err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

// clientIP extracts the requesting client's address, trusting proxy
// headers first since the gateway usually sits behind one.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
