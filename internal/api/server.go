// Package api provides the ops HTTP server: health, role status, metrics and
// LAN discovery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kvmrelay/internal/metrics"
	"kvmrelay/internal/network"
)

// ScanFunc finds kvmrelay instances on the LAN; network.ScanLAN in production.
type ScanFunc func(ctx context.Context, port int) ([]network.DiscoveredHost, error)

// Options configures the server.
type Options struct {
	// Listen is the bind address, e.g. ":18080".
	Listen string
	// Token, when set, is required as a bearer token on everything but /health.
	Token string
	// ScanPort is the ops port probed by /api/discover.
	ScanPort int
	Scan     ScanFunc
}

// Server provides HTTP API for monitoring a relay role
type Server struct {
	status network.StatusReporter
	opts   Options
	log    *zap.Logger

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a new API server reporting on status.
func NewServer(status network.StatusReporter, opts Options, log *zap.Logger) *Server {
	if opts.Scan == nil {
		opts.Scan = network.ScanLAN
	}
	s := &Server{
		status: status,
		opts:   opts,
		log:    log.Named("api"),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware, s.metricsMiddleware, s.authMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/discover", s.handleDiscover)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("ops API listening", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight requests while ctx allows.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.log.Error("handler panic", zap.Any("panic", err), zap.String("path", r.URL.Path))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
	})
}

// authMiddleware checks the API token if configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))

		// Skip auth for health check
		if s.opts.Token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.Status())
}

// handleDiscover scans the LAN for other kvmrelay instances.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	s.log.Info("starting LAN scan", zap.Int("port", s.opts.ScanPort))

	hosts, err := s.opts.Scan(r.Context(), s.opts.ScanPort)
	if err != nil {
		s.log.Warn("scan failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.log.Info("LAN scan done", zap.Int("found", len(hosts)))
	if hosts == nil {
		hosts = []network.DiscoveredHost{}
	}
	writeJSON(w, hosts)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
