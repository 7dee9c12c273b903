// Package gateway exposes the conversation engines over HTTP and WebSocket.
//
// The gateway owns request validation, per-session serialization, rate
// limiting, and the mapping of engine failures to a generic client error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/ratelimit"
	"github.com/haasonsaas/datachat/internal/sessions"
	"github.com/haasonsaas/datachat/pkg/models"
)

// ChatEngine is the per-session conversation the gateway drives.
type ChatEngine interface {
	Chat(ctx context.Context, text string) (string, error)
	History() []models.Message
	Reset()
}

// SessionStore resolves session ids to engines. *sessions.Registry satisfies it.
type SessionStore interface {
	NewID() string
	Resolve(id string) ChatEngine
	Get(id string) (ChatEngine, bool)
	Exists(id string) bool
	Destroy(id string)
	Len() int
}

// Config configures the HTTP listener and request policy.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// AllowedOrigins lists CORS origins. "*" allows any.
	AllowedOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit bounds requests per client IP.
	RateLimit ratelimit.Config

	// TrustProxy reads the client IP from X-Forwarded-For and X-Real-IP.
	TrustProxy bool

	// Version is reported by the health endpoints.
	Version string
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records HTTP metrics and serves gatherer on /metrics.
func WithMetrics(metrics *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.gatherer = gatherer
	}
}

// WithTracer wraps every request in a server span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithLocker replaces the default in-memory session locker.
func WithLocker(locker sessions.Locker) Option {
	return func(s *Server) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// HealthReporter returns a JSON-encodable snapshot for one named
// component of the health response.
type HealthReporter func() any

// WithHealthReporter adds a component section to /api/health.
func WithHealthReporter(name string, fn HealthReporter) Option {
	return func(s *Server) {
		if name != "" && fn != nil {
			s.health[name] = fn
		}
	}
}

// Server is the HTTP front door.
type Server struct {
	config   Config
	sessions SessionStore
	locker   sessions.Locker
	limiter  *ratelimit.Limiter

	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	gatherer prometheus.Gatherer
	health   map[string]HealthReporter

	startTime time.Time
	handler   http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server for store. Call Start to listen.
func New(config Config, store SessionStore, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		config:    config,
		sessions:  store,
		locker:    sessions.NewSessionLocker(0),
		limiter:   ratelimit.NewLimiter(config.RateLimit),
		logger:    observability.NopLogger(),
		health:    make(map[string]HealthReporter),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields("component", "gateway")
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Forget drops per-session transport state. Wire it to the registry's evict
// hook so locks for evicted sessions do not accumulate.
func (s *Server) Forget(sessionID string) {
	if forgetter, ok := s.locker.(interface{ Forget(string) }); ok {
		forgetter.Forget(sessionID)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDestroy)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /ws", s.newWSHandler())

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return chain(mux,
		s.recoverMiddleware,
		s.requestIDMiddleware,
		s.observeMiddleware,
		s.corsMiddleware,
		s.rateLimitMiddleware,
	)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("gateway: already started")
	}

	addr := s.config.Addr
	if addr == "" {
		addr = ":3000"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the listener down, waiting for in-flight requests
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
		return err
	}
	return nil
}
