// Package targets keeps the live table of vessels seen on the network.
package targets

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
)

const (
	// DefaultTTL is how long a target stays in the table without updates.
	DefaultTTL = 10 * time.Minute
	// DefaultEvictInterval is the cadence of the eviction pass.
	DefaultEvictInterval = 10 * time.Second
)

// TargetEntry is a read-only copy of one target.
type TargetEntry struct {
	MMSI        uint32        `json:"mmsi"`
	Name        *string       `json:"name"`
	Position    *ais.Position `json:"position,omitempty"`
	LastMessage time.Time     `json:"lastMessage"`
}

// String renders "Name (mmsi)" or "N/A (mmsi)".
func (e TargetEntry) String() string {
	name := "N/A"
	if e.Name != nil {
		name = *e.Name
	}
	return name + " (" + strconv.FormatUint(uint64(e.MMSI), 10) + ")"
}

// entry is the mutable record behind a TargetEntry.
type entry struct {
	mu       sync.Mutex
	mmsi     uint32
	name     *string
	position *ais.Position
	updated  time.Time // wall clock, drives eviction
	source   time.Time // packet timestamp, orders updates
	removed  bool
}

// Config holds the registry timings.
type Config struct {
	TTL           time.Duration
	EvictInterval time.Duration
}

// DefaultConfig returns the reference cadence.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, EvictInterval: DefaultEvictInterval}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics registers the registry metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		r.metricsRegistry = registry
	}
}

// Registry maps MMSI to target state. Updates to one MMSI are serialized on
// that entry's mutex; different MMSIs never contend.
type Registry struct {
	cfg     Config
	entries sync.Map // uint32 -> *entry
	logger  *slog.Logger
	now     func() time.Time

	metricsRegistry *metric.MetricsRegistry
	metrics         *registryMetrics

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type registryMetrics struct {
	active  prometheus.GaugeFunc
	evicted prometheus.Counter
	updates prometheus.Counter
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if cfg.TTL <= 0 || cfg.EvictInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "NewRegistry", "validate timings")
	}
	r := &Registry{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "target-registry")
	r.metrics = r.newMetrics()
	return r, nil
}

func (r *Registry) newMetrics() *registryMetrics {
	if r.metricsRegistry == nil {
		return nil
	}
	m := &registryMetrics{
		active: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "targets",
			Name:      "active",
			Help:      "Targets currently in the registry",
		}, func() float64 { return float64(r.Len()) }),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "targets",
			Name:      "evicted_total",
			Help:      "Targets removed by the eviction pass",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "targets",
			Name:      "updates_total",
			Help:      "Position or name updates applied",
		}),
	}
	if err := r.metricsRegistry.RegisterGaugeFunc("targets", "active", m.active); err != nil {
		r.logger.Warn("Failed to register metric", "metric", "active", "error", err)
	}
	if err := r.metricsRegistry.RegisterCounter("targets", "evicted", m.evicted); err != nil {
		r.logger.Warn("Failed to register metric", "metric", "evicted", "error", err)
	}
	if err := r.metricsRegistry.RegisterCounter("targets", "updates", m.updates); err != nil {
		r.logger.Warn("Failed to register metric", "metric", "updates", "error", err)
	}
	return m
}

// Update applies the position and name carried by p, if any.
func (r *Registry) Update(p *ais.Packet) {
	msg := p.Message()
	if msg == nil {
		return
	}

	var pos *ais.Position
	if msg.IsPositionReport() && msg.PositionValid && msg.Position != nil {
		v := *msg.Position
		pos = &v
	}
	var name *string
	if msg.HasName {
		if n := ais.TrimText(msg.Name); n != "" {
			name = &n
		}
	}
	if pos == nil && name == nil {
		return
	}
	source, _ := p.Timestamp()

	for {
		v, _ := r.entries.LoadOrStore(msg.MMSI, &entry{mmsi: msg.MMSI})
		e := v.(*entry)

		e.mu.Lock()
		if e.removed {
			// lost a race with eviction; the key is gone, create afresh
			e.mu.Unlock()
			continue
		}
		if !source.IsZero() && source.Before(e.source) {
			e.mu.Unlock()
			return
		}
		if !source.IsZero() {
			e.source = source
		}
		if pos != nil {
			e.position = pos
		}
		if name != nil {
			e.name = name
		}
		e.updated = r.now()
		e.mu.Unlock()
		break
	}

	if r.metrics != nil {
		r.metrics.updates.Inc()
	}
}

// Get returns a copy of one entry.
func (r *Registry) Get(mmsi uint32) (TargetEntry, bool) {
	v, ok := r.entries.Load(mmsi)
	if !ok {
		return TargetEntry{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return TargetEntry{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() TargetEntry {
	out := TargetEntry{MMSI: e.mmsi, LastMessage: e.updated}
	if e.name != nil {
		n := *e.name
		out.Name = &n
	}
	if e.position != nil {
		p := *e.position
		out.Position = &p
	}
	return out
}

// Snapshot returns copies of all entries, in no particular order.
func (r *Registry) Snapshot() []TargetEntry {
	var out []TargetEntry
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Len counts the entries.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// EvictStale removes every entry whose last update is older than ttl and
// returns how many were removed.
func (r *Registry) EvictStale(ttl time.Duration) int {
	now := r.now()
	evicted := 0
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed && now.Sub(e.updated) > ttl {
			e.removed = true
			r.entries.CompareAndDelete(k, v)
			evicted++
		}
		e.mu.Unlock()
		return true
	})
	if evicted > 0 {
		r.logger.Debug("Evicted stale targets", "count", evicted)
		if r.metrics != nil {
			r.metrics.evicted.Add(float64(evicted))
		}
	}
	return evicted
}

// Start runs the periodic eviction until ctx ends or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registry", "Start", "check running state")
	}
	r.running = true
	r.shutdown = make(chan struct{})

	r.wg.Add(1)
	go r.evictLoop(ctx, r.shutdown)
	r.logger.Info("Target registry started", "ttl", r.cfg.TTL, "interval", r.cfg.EvictInterval)
	return nil
}

func (r *Registry) evictLoop(ctx context.Context, shutdown <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.EvictStale(r.cfg.TTL)
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		}
	}
}

// Stop ends the eviction loop, waiting at most timeout.
func (r *Registry) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.shutdown)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Registry", "Stop", "wait for eviction loop")
	}
}

// NameSort orders entries for display: named before unnamed, names
// lexically, ties by MMSI ascending. It sorts in place and returns entries.
func NameSort(entries []TargetEntry) []TargetEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Name != nil && b.Name == nil:
			return true
		case a.Name == nil && b.Name != nil:
			return false
		case a.Name != nil && *a.Name != *b.Name:
			return *a.Name < *b.Name
		}
		return a.MMSI < b.MMSI
	})
	return entries
}
