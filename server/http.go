// Package server provides the HTTP API for lineage queries over cached
// tree datasets.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wolfeidau/lineage-cache/engine"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is the bearer token every API request must carry.
	// /health and /metrics are exempt.
	AuthToken string

	// Engine serves the API. Required.
	Engine *engine.Engine

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the lineage API.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	engine     *engine.Engine
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		engine: cfg.Engine,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	// Cleartext HTTP/2 for clients behind a TLS-terminating proxy.
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(s.handler, &http2.Server{}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Remote datasets may be fetched on first use
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Trees are addressed by dataset (query parameter) and tree index.
	mux.HandleFunc("GET /api/trees/{index}", s.handleTree)
	mux.HandleFunc("GET /api/trees/{index}/ancestors/{node}", s.handleAncestors)
	mux.HandleFunc("POST /api/trees/{index}/mrca", s.handleMRCA)
	mux.HandleFunc("GET /api/trees/{index}/subtree/{node}", s.handleSubtree)
	mux.HandleFunc("POST /api/trees/{index}/search", s.handleSearch)

	mux.HandleFunc("POST /api/viewport", s.handleViewport)
	mux.HandleFunc("DELETE /api/sessions/current", s.handleClearSession)

	mux.HandleFunc("GET /api/datasets/config", s.handleDatasetConfig)
	mux.HandleFunc("GET /api/datasets/columns/{column}", s.handleColumn)
	mux.HandleFunc("GET /api/listing", s.handleListing)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		route := deriveRoute(r.URL.Path)
		telemetry.SetRoute(r, route)

		w.Header().Set("X-Request-ID", requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Route classification (for filtering/grouping)
			"route", route,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.SessionID != "" {
			attrs = append(attrs, "session_id", tags.SessionID)
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. The engine is left to its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for metrics and logs.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/api/trees/"):
		return "trees"
	case strings.HasPrefix(path, "/api/listing"):
		return "listing"
	case strings.HasPrefix(path, "/api/datasets/"):
		return "datasets"
	case strings.HasPrefix(path, "/api/"):
		return "session"
	default:
		return "unknown"
	}
}
