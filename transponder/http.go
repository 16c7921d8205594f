package transponder

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

// Healthy reports whether the backbone session is CONNECTED.
func (t *StatusTracker) Healthy() bool {
	return t.Snapshot().Connected
}

// Report returns the snapshot for /health.
func (t *StatusTracker) Report() any {
	return t.Snapshot()
}

// TargetSource fetches the backbone target table.
type TargetSource interface {
	FetchTargets(ctx context.Context) ([]targets.TargetEntry, error)
}

// StatusServer serves /status, /health, /targets and /metrics for the
// transponder.
type StatusServer struct {
	addr     string
	status   *StatusTracker
	targets  TargetSource
	registry *metric.MetricsRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewStatusServer creates the server. source and registry may be nil.
func NewStatusServer(addr string, status *StatusTracker, source TargetSource, registry *metric.MetricsRegistry, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusServer{
		addr:     addr,
		status:   status,
		targets:  source,
		registry: registry,
		logger:   logger.With("component", "status-server"),
	}
}

// Handler returns the route tree.
func (s *StatusServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.status.Snapshot())
	})
	r.Get("/health", metric.HealthHandler(s.status))
	if s.targets != nil {
		r.Get("/targets", s.handleTargets)
	}
	if s.registry != nil {
		r.Handle("/metrics", s.registry.Handler())
	}
	return r
}

// handleTargets relays the backbone target table.
func (s *StatusServer) handleTargets(w http.ResponseWriter, r *http.Request) {
	entries, err := s.targets.FetchTargets(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.logger.Warn("Target table unavailable", "error", err)
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(wire.ErrorReply{Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(entries)
}

// Start listens and serves in the background.
func (s *StatusServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "StatusServer", "Start", "check running state")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "StatusServer", "Start", "listen on "+s.addr)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})

	srv, done := s.server, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", "error", err)
		}
	}()
	s.logger.Info("Status server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down within timeout.
func (s *StatusServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "StatusServer", "Stop", "shut down HTTP server")
	}
	<-done
	return nil
}
