// Package server exposes the pipeline over HTTP JSON and as an MCP tool.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/insights/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	mcp     *mcp.Server
	handler http.Handler
	http    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "Insights MCP Server",
		Version: cfg.Version,
	}, nil)

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcpServer,
	}

	if err := RegisterAskTool(s.log, mcpServer, cfg.Pipeline, "ask", `
			PURPOSE:
			Answer an analytical question about the retail sales data in plain language.

			USAGE RULES:
			- Ask one question per call, naming a metric (revenue, units, orders, customers, discount, returns) and a time period.
			- Pass the session_id from a previous answer to ask a follow-up such as "and for electronics?".
			- The answer's kind is insight, clarification, refusal or caveat. Only insight and caveat carry figures.

			Figures in the narrative are taken from the returned rows; do not restate numbers that are not in them.
		`); err != nil {
		return nil, fmt.Errorf("failed to create ask tool: %w", err)
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if len(cfg.AllowedTokens) > 0 {
			r.Use(s.authMiddleware)
		}
		r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
		r.Post("/v1/ask", s.askHandler)
		r.Get("/v1/sessions/{id}", s.getSessionHandler)
		r.Delete("/v1/sessions/{id}", s.deleteSessionHandler)
		r.Post("/v1/registry/reload", s.reloadRegistryHandler)
		r.Handle("/mcp", mcpHandler)
	})
	s.handler = r

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on ln, or on the configured address when ln is nil, until ctx
// is done.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	s.log.Info("server: listening", "listenAddr", ln.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: HTTP server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Warehouse != nil {
		ctx, cancel := context.WithTimeout(r.Context(), defaultReadyTimeout)
		defer cancel()
		if err := s.cfg.Warehouse.Ping(ctx); err != nil {
			s.log.Debug("readyz: warehouse not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("warehouse not ready\n")); err != nil {
				s.log.Error("failed to write readyz response", "error", err)
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

// authMiddleware wraps an HTTP handler with Bearer token authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason, ok := s.authorize(r.Header.Get("Authorization"))
		if !ok {
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			w.Header().Set("WWW-Authenticate", `Bearer`)
			w.WriteHeader(http.StatusUnauthorized)
			if _, err := w.Write([]byte("unauthorized: " + strings.ReplaceAll(reason, "_", " ") + "\n")); err != nil {
				s.log.Error("failed to write auth error response", "error", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(header string) (string, bool) {
	if header == "" {
		return "missing_header", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "invalid_format", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "empty_token", false
	}
	for _, allowed := range s.cfg.AllowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return "", true
		}
	}
	return "invalid_token", false
}

// metricsMiddleware wraps an HTTP handler with metrics collection. Requests
// are labelled by route pattern so session ids do not become label values.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", status)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(startTime).Seconds())
	})
}
