// Package server is the backbone: it accepts transponder sessions on a
// websocket endpoint, serves the REST control API and exposes health and
// metrics, all on one HTTP listener.
package server

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/health"
	"github.com/cynsky/AisVirtualNet/hub"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/targets"
)

const (
	DefaultListenAddr   = ":8080"
	DefaultPingInterval = 30 * time.Second
	DefaultAuthRate     = 5.0
	DefaultAuthBurst    = 10
	writeWait           = 10 * time.Second
)

// Config holds the listener and session settings.
type Config struct {
	ListenAddr   string
	PingInterval time.Duration
	// AuthRate is authenticate requests per second across all callers.
	AuthRate  float64
	AuthBurst int
	// TLS, when set, terminates https and wss on the listener.
	TLS *tls.Config
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   DefaultListenAddr,
		PingInterval: DefaultPingInterval,
		AuthRate:     DefaultAuthRate,
		AuthBurst:    DefaultAuthBurst,
	}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.metricsRegistry = registry }
}

// WithHealth sets the monitor served on /health.
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) { s.health = monitor }
}

// Server owns the HTTP listener.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	registry *targets.Registry
	broker   *identity.Broker
	logger   *slog.Logger
	health   *health.Monitor

	upgrader    websocket.Upgrader
	authLimiter *rate.Limiter

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup

	// sessions is cancelled by Stop and closes every running session.
	sessions      context.Context
	closeSessions context.CancelFunc

	metricsRegistry *metric.MetricsRegistry
	metrics         *serverMetrics
}

type serverMetrics struct {
	connections prometheus.Counter
	rejected    *prometheus.CounterVec
	inbound     prometheus.Counter
}

// New wires the server around its collaborators.
func New(cfg Config, h *hub.Hub, registry *targets.Registry, broker *identity.Broker, opts ...Option) (*Server, error) {
	if h == nil || registry == nil || broker == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "check hub, registry and broker")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.AuthRate <= 0 {
		cfg.AuthRate = DefaultAuthRate
	}
	if cfg.AuthBurst <= 0 {
		cfg.AuthBurst = DefaultAuthBurst
	}

	s := &Server{
		cfg:         cfg,
		hub:         h,
		registry:    registry,
		broker:      broker,
		logger:      slog.Default(),
		authLimiter: rate.NewLimiter(rate.Limit(cfg.AuthRate), cfg.AuthBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// transponders are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "backbone-server")
	if s.health == nil {
		s.health = health.NewMonitor("aisvnet-server")
	}
	s.metrics = s.newMetrics()
	s.sessions, s.closeSessions = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) sessionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) newMetrics() *serverMetrics {
	if s.metricsRegistry == nil {
		return nil
	}
	m := &serverMetrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "server", Name: "websocket_connections_total",
			Help: "Accepted websocket upgrades",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "server", Name: "sessions_rejected_total",
			Help: "Sessions closed before registration, by reason",
		}, []string{"reason"}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "server", Name: "session_packets_total",
			Help: "Packets received from sessions",
		}),
	}
	if err := s.metricsRegistry.RegisterCounter("server", "websocket_connections", m.connections); err != nil {
		s.logger.Warn("Failed to register metric", "metric", "websocket_connections", "error", err)
	}
	if err := s.metricsRegistry.RegisterCounterVec("server", "sessions_rejected", m.rejected); err != nil {
		s.logger.Warn("Failed to register metric", "metric", "sessions_rejected", "error", err)
	}
	if err := s.metricsRegistry.RegisterCounter("server", "session_packets", m.inbound); err != nil {
		s.logger.Warn("Failed to register metric", "metric", "session_packets", "error", err)
	}
	return m
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/", s.handleWebSocket)
	r.Route("/rest", func(r chi.Router) {
		r.Post("/authenticate", s.handleAuthenticate)
		r.Post("/reserve", s.handleReserve)
		r.Delete("/reserve/{mmsi}", s.handleRelease)
		r.Get("/targets", s.handleTargets)
	})
	r.Get("/health", metric.HealthHandler(s.health))
	if s.metricsRegistry != nil {
		r.Handle("/metrics", s.metricsRegistry.Handler())
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.ListenAddr)
	}
	scheme := "http"
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
		scheme = "https"
	}
	s.listener = ln
	if s.sessions.Err() != nil {
		s.sessions, s.closeSessions = context.WithCancel(context.Background())
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
			s.health.UpdateUnhealthy("http", err.Error())
		}
	}()

	s.health.UpdateHealthy("http", "listening on "+ln.Addr().String())
	s.logger.Info("Backbone server started", "addr", ln.Addr().String(), "scheme", scheme)
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and waits at most timeout for session
// goroutines. Running sessions are closed with CloseGoingAway.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv := s.httpServer
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.closeSessions()
	s.httpServer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.health.UpdateUnhealthy("http", "stopped")
		s.logger.Info("Backbone server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Server goroutines did not exit in time", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for goroutines")
	}
}
