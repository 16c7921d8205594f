// Package hub fans packets from the bus out to every connected session and
// relays packets originated by sessions back to the bus.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/targets"
)

const (
	DefaultQueueSize      = 1024
	DefaultIngestSubject  = "ais.packets.in"
	DefaultInboundSubject = "ais.packets.out"
)

// Session is one remote consumer of the packet stream.
type Session interface {
	ID() string
	// Deliver writes one packet to the remote end. An error ends the session.
	Deliver(ctx context.Context, p *ais.Packet) error
	Close() error
}

// Source delivers raw packets published on a bus subject.
type Source interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Collector accepts packets for re-injection into the wider network.
type Collector interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Config holds hub settings.
type Config struct {
	QueueSize      int
	IngestSubject  string
	InboundSubject string
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:      DefaultQueueSize,
		IngestSubject:  DefaultIngestSubject,
		InboundSubject: DefaultInboundSubject,
	}
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) { h.metricsRegistry = registry }
}

// WithSource sets where ingested packets come from.
func WithSource(src Source) Option {
	return func(h *Hub) { h.source = src }
}

// WithCollector sets where session-originated packets go.
func WithCollector(c Collector) Option {
	return func(h *Hub) { h.collector = c }
}

// WithLocalLoopback ingests session-originated packets directly when no
// collector is set, so a standalone server still relays between sessions.
func WithLocalLoopback() Option {
	return func(h *Hub) { h.loopback = true }
}

// Hub is the distribution hub.
type Hub struct {
	cfg       Config
	registry  *targets.Registry
	source    Source
	collector Collector
	loopback  bool
	logger    *slog.Logger

	sessions sync.Map // id -> *sessionRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	metricsRegistry *metric.MetricsRegistry
	metrics         *hubMetrics
}

type hubMetrics struct {
	ingested prometheus.Counter
	inbound  prometheus.Counter
	dropped  prometheus.Counter
	invalid  prometheus.Counter
	sessions prometheus.Gauge
}

// New creates a hub updating registry on every ingested packet.
func New(registry *targets.Registry, cfg Config, opts ...Option) (*Hub, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Hub", "New", "check target registry")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.IngestSubject == "" {
		cfg.IngestSubject = DefaultIngestSubject
	}
	if cfg.InboundSubject == "" {
		cfg.InboundSubject = DefaultInboundSubject
	}

	h := &Hub{cfg: cfg, registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "distribution-hub")
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.metrics = h.newMetrics()
	return h, nil
}

func (h *Hub) newMetrics() *hubMetrics {
	if h.metricsRegistry == nil {
		return nil
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "hub", Name: name, Help: help,
		})
		if err := h.metricsRegistry.RegisterCounter("hub", name, c); err != nil {
			h.logger.Warn("Failed to register metric", "metric", name, "error", err)
		}
		return c
	}
	m := &hubMetrics{
		ingested: counter("packets_ingested_total", "Packets received from the bus"),
		inbound:  counter("packets_inbound_total", "Packets relayed from sessions to the bus"),
		dropped:  counter("packets_dropped_total", "Packets dropped from full session queues"),
		invalid:  counter("packets_invalid_total", "Bus payloads that failed to decode"),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "hub", Name: "sessions_active",
			Help: "Currently registered sessions",
		}),
	}
	if err := h.metricsRegistry.RegisterGauge("hub", "sessions_active", m.sessions); err != nil {
		h.logger.Warn("Failed to register metric", "metric", "sessions_active", "error", err)
	}
	return m
}

// Start subscribes to the ingest subject when a source is configured.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "check running state")
	}
	if h.ctx.Err() != nil {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Hub", "Start", "check hub state")
	}
	if h.source != nil {
		if err := h.source.Subscribe(ctx, h.cfg.IngestSubject, h.handleBusPacket); err != nil {
			return errors.WrapTransient(err, "Hub", "Start", "subscribe to "+h.cfg.IngestSubject)
		}
	}
	h.running = true
	h.logger.Info("Distribution hub started", "subject", h.cfg.IngestSubject)
	return nil
}

func (h *Hub) handleBusPacket(_ context.Context, data []byte) {
	p, err := ais.ParsePacket(string(data))
	if err != nil {
		h.logger.Debug("Dropping undecodable packet", "error", err)
		if h.metrics != nil {
			h.metrics.invalid.Inc()
		}
		return
	}
	h.Ingest(p)
}

// Ingest updates the target registry and queues p for every session.
func (h *Hub) Ingest(p *ais.Packet) {
	h.registry.Update(p)
	if h.metrics != nil {
		h.metrics.ingested.Inc()
	}
	h.sessions.Range(func(_, v any) bool {
		v.(*sessionRunner).enqueue(p)
		return true
	})
}

// DistributeInbound forwards a session-originated packet to the collector.
func (h *Hub) DistributeInbound(ctx context.Context, p *ais.Packet) error {
	if h.collector == nil {
		if h.loopback {
			h.Ingest(p)
			return nil
		}
		h.logger.Debug("No collector, dropping inbound packet")
		return nil
	}
	if err := h.collector.Publish(ctx, h.cfg.InboundSubject, []byte(p.String())); err != nil {
		return errors.WrapTransient(err, "Hub", "DistributeInbound", "publish to "+h.cfg.InboundSubject)
	}
	if h.metrics != nil {
		h.metrics.inbound.Inc()
	}
	return nil
}

// RegisterSession adds s. Registering an ID twice is a no-op.
func (h *Hub) RegisterSession(s Session) error {
	if h.ctx.Err() != nil {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Hub", "RegisterSession", "check hub state")
	}
	r := newSessionRunner(h, s)
	if _, loaded := h.sessions.LoadOrStore(s.ID(), r); loaded {
		return nil
	}
	h.wg.Add(1)
	go r.run(h.ctx)
	if h.metrics != nil {
		h.metrics.sessions.Inc()
	}
	h.logger.Info("Session registered", "session", s.ID())
	return nil
}

// UnregisterSession removes and closes the session. Unknown IDs are ignored.
func (h *Hub) UnregisterSession(id string) {
	v, ok := h.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	v.(*sessionRunner).stop()
	if h.metrics != nil {
		h.metrics.sessions.Dec()
	}
	h.logger.Info("Session unregistered", "session", id)
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop closes every session and waits at most timeout for their delivery
// goroutines.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	h.sessions.Range(func(k, _ any) bool {
		h.UnregisterSession(k.(string))
		return true
	})
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("Distribution hub stopped")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Session goroutines did not finish in time", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Hub", "Stop", "wait for sessions")
	}
}
