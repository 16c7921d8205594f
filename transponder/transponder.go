package transponder

import (
	"context"
	"log/slog"
	"time"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
)

// Config assembles a complete transponder.
type Config struct {
	Supervisor SupervisorConfig
	Bridge     BridgeConfig
	// StatusAddr serves /status, /health, /targets and /metrics. Empty disables it.
	StatusAddr string
}

// Transponder wires the supervisor, the bridge and the status server around
// one shared status.
type Transponder struct {
	status     *StatusTracker
	supervisor *Supervisor
	bridge     *Bridge
	http       *StatusServer
	logger     *slog.Logger
}

// New builds a transponder. registry may be nil.
func New(cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry, opts ...SupervisorOption) (*Transponder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bridge.OwnMMSI == 0 {
		cfg.Bridge.OwnMMSI = cfg.Supervisor.OwnMMSI
	}
	if cfg.Bridge.OwnMMSI != cfg.Supervisor.OwnMMSI {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Transponder", "New", "match own mmsi of bridge and supervisor")
	}

	t := &Transponder{status: NewStatusTracker(cfg.Supervisor.OwnMMSI), logger: logger}
	supOpts := append([]SupervisorOption{
		WithSupervisorLogger(logger),
		WithSupervisorMetrics(registry),
		WithPacketHandler(func(ctx context.Context, p *ais.Packet) { t.bridge.Receive(ctx, p) }),
	}, opts...)

	var err error
	if t.supervisor, err = NewSupervisor(cfg.Supervisor, t.status, supOpts...); err != nil {
		return nil, err
	}
	if t.bridge, err = NewBridge(cfg.Bridge, t.supervisor, t.status,
		WithBridgeLogger(logger), WithBridgeMetrics(registry)); err != nil {
		return nil, err
	}
	if cfg.StatusAddr != "" {
		t.http = NewStatusServer(cfg.StatusAddr, t.status, t.supervisor, registry, logger)
	}
	return t, nil
}

// Status returns the current snapshot.
func (t *Transponder) Status() Status { return t.status.Snapshot() }

// BridgeAddr returns the bound local equipment address.
func (t *Transponder) BridgeAddr() string { return t.bridge.Addr() }

// Start brings up the bridge, the status server and the session loop.
func (t *Transponder) Start(ctx context.Context) error {
	if err := t.bridge.Start(ctx); err != nil {
		return err
	}
	if t.http != nil {
		if err := t.http.Start(ctx); err != nil {
			_ = t.bridge.Stop(time.Second)
			return err
		}
	}
	return t.supervisor.Start(ctx)
}

// Stop shuts everything down. The session goes first so the reservation is
// released while the process is still healthy.
func (t *Transponder) Stop(timeout time.Duration) error {
	var errs []error
	if err := t.supervisor.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := t.bridge.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if t.http != nil {
		if err := t.http.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("Transponder stopped")
	return nil
}
