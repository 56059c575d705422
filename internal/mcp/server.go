// Package mcp exposes the orchestrator over a streamable HTTP MCP
// surface so MCP-speaking clients can manage sessions, schedules, and
// tokens without the raw NDJSON socket.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/seneschal/internal/auth"
	"github.com/HyphaGroup/seneschal/internal/logger"
	"github.com/HyphaGroup/seneschal/internal/metrics"
	"github.com/HyphaGroup/seneschal/internal/runner"
	"github.com/HyphaGroup/seneschal/internal/schedule"
	"github.com/HyphaGroup/seneschal/internal/store"
)

// Dispatcher delivers prompts into sessions and waits for the turn to
// settle. The bridge implements it.
type Dispatcher interface {
	DispatchPrompt(sessionID, prompt string) error
	WaitForIdle(ctx context.Context, sessionID string) (string, error)
}

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server with the orchestrator's stores
type Server struct {
	store          *store.Store
	runners        *runner.Manager
	authStore      *auth.Store
	scheduleStore  *schedule.Store
	scheduleRunner *schedule.Runner
	dispatcher     Dispatcher
	home           string

	mcpServer  *mcp.Server
	httpServer *http.Server
}

// Options holds the dependencies the MCP surface operates on
type Options struct {
	Store          *store.Store
	Runners        *runner.Manager
	AuthStore      *auth.Store
	ScheduleStore  *schedule.Store
	ScheduleRunner *schedule.Runner
	Dispatcher     Dispatcher
	Home           string
}

// NewServer creates a new MCP server instance
func NewServer(opts Options) *Server {
	s := &Server{
		store:          opts.Store,
		runners:        opts.Runners,
		authStore:      opts.AuthStore,
		scheduleStore:  opts.ScheduleStore,
		scheduleRunner: opts.ScheduleRunner,
		dispatcher:     opts.Dispatcher,
		home:           opts.Home,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "seneschal",
		Version: "0.1.0",
	}, nil)
	s.registerTools()

	return s
}

// Serve starts the MCP HTTP server and blocks until it stops
func (s *Server) Serve(addr string) error {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.FromContext(ctx).Info("http request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		mcpHandler.ServeHTTP(w, r)
	})

	authedHandler := auth.Middleware(s.authStore)(loggingHandler)
	rateLimitedHandler := auth.RateLimitMiddleware(auth.DefaultRateLimiter())(authedHandler)

	mux := http.NewServeMux()

	// Health and metrics endpoints skip authentication
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.HandleFunc("/ready", s.handleReadinessCheck)
	mux.Handle("/metrics", metrics.Handler())

	mux.Handle("/mcp", metrics.Middleware(rateLimitedHandler))
	mux.Handle("/mcp/", metrics.Middleware(rateLimitedHandler))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	logger.Info("MCP server listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP listener down gracefully
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the server can serve requests
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, err := s.store.ListSessions(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"session store unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
