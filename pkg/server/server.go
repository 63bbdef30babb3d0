package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/pkg/commandqueue"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
	"github.com/halcyonlabs/outpost/pkg/coordinator"
	"github.com/halcyonlabs/outpost/pkg/dispatcher"
	"github.com/halcyonlabs/outpost/pkg/gateway"
	"github.com/halcyonlabs/outpost/pkg/thread"
	"github.com/halcyonlabs/outpost/pkg/updater"
)

// Options holds the HTTP surface configuration.
type Options struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	AgentName          string
	Version            string
}

// Server is the listener's HTTP surface: inbound messages, thread and
// context CRUD, skill sync, self-update, metrics and the event stream.
type Server struct {
	options     Options
	server      *http.Server
	rateLimiter *RateLimiter

	dispatcher *dispatcher.Dispatcher
	store      *thread.Store
	registry   *thread.Registry
	docs       *contextdir.Documents
	skills     *coordinator.SkillSync
	coord      *coordinator.Client
	updater    *updater.Updater
	hub        *gateway.Hub
	queue      *commandqueue.CommandQueue

	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Deps bundles the components the HTTP surface fronts. Hub may be nil
// when the gateway is disabled.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Store      *thread.Store
	Registry   *thread.Registry
	Documents  *contextdir.Documents
	Skills     *coordinator.SkillSync
	Coord      *coordinator.Client
	Updater    *updater.Updater
	Hub        *gateway.Hub
	Queue      *commandqueue.CommandQueue
}

// New creates the HTTP server.
func New(options Options, deps Deps, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Store == nil || deps.Registry == nil {
		return nil, fmt.Errorf("thread store and registry are required")
	}
	if deps.Documents == nil {
		return nil, fmt.Errorf("context documents are required")
	}

	return &Server{
		options:     options,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		dispatcher:  deps.Dispatcher,
		store:       deps.Store,
		registry:    deps.Registry,
		docs:        deps.Documents,
		skills:      deps.Skills,
		coord:       deps.Coord,
		updater:     deps.Updater,
		hub:         deps.Hub,
		queue:       deps.Queue,
		logger:      logger,
		startTime:   time.Now(),
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.wrap(s.handleHealth))
	mux.HandleFunc("GET /version", s.wrap(s.handleVersion))

	mux.HandleFunc("POST /message", s.wrap(s.handleMessage))

	mux.HandleFunc("GET /threads", s.wrap(s.handleListThreads))
	mux.HandleFunc("GET /threads/{id}/history", s.wrap(s.handleThreadHistory))
	mux.HandleFunc("DELETE /threads/{id}", s.wrap(s.handleDeleteThread))

	mux.HandleFunc("GET /context", s.wrap(s.handleListContext))
	mux.HandleFunc("POST /context", s.wrap(s.handleCreateContext))
	mux.HandleFunc("GET /context/{name}", s.wrap(s.handleGetContext))
	mux.HandleFunc("PUT /context/{name}", s.wrap(s.handlePutContext))
	mux.HandleFunc("DELETE /context/{name}", s.wrap(s.handleDeleteContext))

	mux.HandleFunc("GET /claude-md", s.wrap(s.handleGetRoot))
	mux.HandleFunc("PUT /claude-md", s.wrap(s.handlePutRoot))

	mux.HandleFunc("POST /update", s.wrap(s.handleUpdate))
	mux.HandleFunc("POST /rollback", s.wrap(s.handleRollback))

	mux.HandleFunc("GET /skills/available", s.wrap(s.handleSkillsAvailable))
	mux.HandleFunc("POST /skills/publish", s.wrap(s.handleSkillsPublish))
	mux.HandleFunc("POST /skills/pull", s.wrap(s.handleSkillsPull))
	mux.HandleFunc("POST /skills/sync", s.wrap(s.handleSkillsSync))

	mux.Handle("GET /metrics", observability.MetricsHandler())

	if s.hub != nil {
		mux.Handle("GET /events", s.hub.Handler())
	}

	return mux
}

// Start runs the server until Stop. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting listener server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listener server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down listener server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("listener server shutdown failed: %w", err)
	}
	return nil
}

// wrap applies the shutdown gate, in-flight tracking, rate limiting and
// request logging around a handler.
func (s *Server) wrap(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		ip := clientIP(r)
		if !s.rateLimiter.Allow(ip) {
			retryAfter := s.rateLimiter.RetryAfter(ip)
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retryAfter", retryAfter).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		handler(w, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

// clientIP extracts the client IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
