// Package http provides the connectd HTTP surface: the admin API, the
// internal streaming completion endpoint, and the websocket event feed.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/scalytics/connectd/internal/bus"
	"github.com/scalytics/connectd/internal/cancel"
	"github.com/scalytics/connectd/internal/config"
	"github.com/scalytics/connectd/internal/engine"
	"github.com/scalytics/connectd/internal/llm"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/policy"
	"github.com/scalytics/connectd/internal/store"
)

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	cfg         *config.Config
	store       *store.Store
	engine      *engine.Manager
	policy      *policy.Engine
	bus         *bus.Bus
	cancels     *cancel.Registry
	llm         *llm.EngineClient
	rateLimiter *RateLimiter

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *config.Config, st *store.Store, eng *engine.Manager,
	pol *policy.Engine, b *bus.Bus, cancels *cancel.Registry) *Server {

	s := &Server{
		cfg:          cfg,
		store:        st,
		engine:       eng,
		policy:       pol,
		bus:          b,
		cancels:      cancels,
		llm:          llm.NewEngineClient(cfg.Engine.URL(), 0),
		rateLimiter:  NewRateLimiter(cfg.Admin.RateLimitDelay),
		shutdownChan: make(chan struct{}),
	}

	s.server = &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: completions stream far longer than any sane
		// fixed value; the handler enforces its own absolute deadline.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Middleware chains: logging -> strip headers -> auth variant
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.adminAuth(h)))
	}
	internal := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.localOnly(h)))
	}

	// Internal surface (loopback services only)
	mux.HandleFunc("/api/internal/v1/local_completion", internal(s.handleChatCompletion))
	mux.HandleFunc("/api/internal/v1/cancel", internal(s.handleChatCancel))

	// Admin surface (bearer token)
	mux.HandleFunc("/api/admin/settings/", admin(s.handleSettings))
	mux.HandleFunc("/api/admin/models", admin(s.handleModelsList))
	mux.HandleFunc("/api/admin/models/", admin(s.handleModelsAction))
	mux.HandleFunc("/api/admin/activations/", admin(s.handleActivationsAction))
	mux.HandleFunc("/api/admin/mcp/local-tools/", admin(s.handleLocalToolStatus))
	mux.HandleFunc("/api/admin/events", admin(s.handleEventsWS))

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	close(s.shutdownChan)

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// loggingResponseWriter captures the status code for request logging
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE keeps working behind the wrapper.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}
