package transponder

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/pkg/retry"
	"github.com/cynsky/AisVirtualNet/session"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

const (
	DefaultRetryDelay      = 10 * time.Second
	DefaultLivenessTimeout = 10 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultStopTimeout     = 10 * time.Second
	releaseTimeout         = 5 * time.Second
	writeTimeout           = 10 * time.Second
)

// SupervisorConfig holds the session settings.
type SupervisorConfig struct {
	ServerURL string
	Username  string
	Password  string
	OwnMMSI   uint32
	// RetryDelay is the fixed wait between failed cycles.
	RetryDelay time.Duration
	// LivenessTimeout bounds the handshake and the first pong.
	LivenessTimeout time.Duration
	KeepAlive       time.Duration
	// TLS is used for https and wss backbones; nil means crypto/tls defaults.
	TLS *tls.Config
}

func (c *SupervisorConfig) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
}

// PacketHandler receives packets arriving from the backbone.
type PacketHandler func(ctx context.Context, p *ais.Packet)

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSupervisorMetrics(registry *metric.MetricsRegistry) SupervisorOption {
	return func(s *Supervisor) { s.metricsRegistry = registry }
}

// WithPacketHandler sets where inbound packets go.
func WithPacketHandler(h PacketHandler) SupervisorOption {
	return func(s *Supervisor) { s.onPacket = h }
}

// OnStateChange registers fn to observe every state transition.
func OnStateChange(fn func(State)) SupervisorOption {
	return func(s *Supervisor) { s.onState = fn }
}

// Supervisor keeps one backbone session alive: authenticate, reserve the
// own MMSI, connect, and start over after a fixed delay whenever a step fails
// or the session drops.
type Supervisor struct {
	cfg    SupervisorConfig
	client *ControlClient
	status *StatusTracker
	logger *slog.Logger
	dialer *websocket.Dialer

	onPacket PacketHandler
	onState  func(State)

	connMu sync.Mutex
	sess   *session.Session // set only while CONNECTED

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	metricsRegistry *metric.MetricsRegistry
	metrics         *supervisorMetrics
}

type supervisorMetrics struct {
	cycles  prometheus.Counter
	sent    prometheus.Counter
	dropped prometheus.Counter
}

// NewSupervisor creates a supervisor publishing into status.
func NewSupervisor(cfg SupervisorConfig, status *StatusTracker, opts ...SupervisorOption) (*Supervisor, error) {
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.OwnMMSI == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Supervisor", "NewSupervisor", "check server url, username and own mmsi")
	}
	if status == nil {
		status = NewStatusTracker(cfg.OwnMMSI)
	}
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:    cfg,
		client: NewControlClient(cfg.ServerURL, cfg.LivenessTimeout, WithClientTLS(cfg.TLS)),
		status: status,
		logger: slog.Default(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.LivenessTimeout,
			TLSClientConfig:  cfg.TLS,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session-supervisor")
	s.metrics = s.newMetrics()
	return s, nil
}

func (s *Supervisor) newMetrics() *supervisorMetrics {
	if s.metricsRegistry == nil {
		return nil
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "supervisor", Name: name, Help: help,
		})
		if err := s.metricsRegistry.RegisterCounter("supervisor", name, c); err != nil {
			s.logger.Warn("Failed to register metric", "metric", name, "error", err)
		}
		return c
	}
	connected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metric.Namespace, Subsystem: "supervisor", Name: "connected",
		Help: "1 while the backbone session is CONNECTED",
	}, func() float64 {
		if s.status.Snapshot().Connected {
			return 1
		}
		return 0
	})
	if err := s.metricsRegistry.RegisterGaugeFunc("supervisor", "connected", connected); err != nil {
		s.logger.Warn("Failed to register metric", "metric", "connected", "error", err)
	}
	return &supervisorMetrics{
		cycles:  counter("cycles_total", "Session cycles started"),
		sent:    counter("packets_sent_total", "Packets sent to the backbone"),
		dropped: counter("packets_dropped_total", "Packets dropped while not CONNECTED"),
	}
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	return s.status.Snapshot()
}

// Start runs the session loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Start", "check running state")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

// Stop cancels the loop and waits at most timeout for it to finish,
// including the release of the reservation.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.logger.Info("Session supervisor stopped")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Session supervisor did not stop in time", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Supervisor", "Stop", "wait for session loop")
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := retry.Fixed(s.cfg.RetryDelay)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Info("Session cycle failed", "attempt", attempt, "error", err, "retry_in", delay)
	}
	err := retry.Do(ctx, cfg, func() error {
		err := s.cycle(ctx)
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return err
	})
	s.setState(Disconnected, nil)
	s.logger.Debug("Session loop ended", "error", err)
}

func (s *Supervisor) setState(st State, err error) {
	prev := s.status.Snapshot().State
	s.status.setState(st, err)
	if prev == st {
		return
	}
	s.logger.Info("Session state", "state", st)
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Supervisor) fail(err error) error {
	if s.metricsRegistry != nil {
		s.metricsRegistry.CoreMetrics().RecordError("supervisor", errors.Classify(err).String())
	}
	s.setState(Disconnected, err)
	return err
}

// cycle runs one pass of the state machine. It only returns once the session
// has ended, and always with an error unless ctx was cancelled.
func (s *Supervisor) cycle(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.cycles.Inc()
	}

	s.setState(Authenticating, nil)
	token, err := s.client.Authenticate(ctx, s.cfg.Username, s.cfg.Password)
	if err != nil {
		return s.fail(err)
	}

	s.setState(Reserving, nil)
	result, err := s.client.Reserve(ctx, s.cfg.OwnMMSI, token)
	if err != nil {
		return s.fail(err)
	}
	if result != identity.Reserved {
		return s.fail(errors.WrapInvalid(errors.ErrReservationRejected, "Supervisor", "cycle",
			"reserve own mmsi ("+string(result)+")"))
	}

	s.setState(Connecting, nil)
	sess, ended, err := s.connect(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.connMu.Lock()
	s.sess = sess
	s.connMu.Unlock()
	s.setState(Connected, nil)

	err = <-ended
	s.connMu.Lock()
	s.sess = nil
	s.connMu.Unlock()
	if ctx.Err() != nil {
		s.release(token)
		return ctx.Err()
	}
	return s.fail(err)
}

func (s *Supervisor) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.client.Release(ctx, s.cfg.OwnMMSI, token); err != nil {
		s.logger.Warn("Failed to release own mmsi", "mmsi", s.cfg.OwnMMSI, "error", err)
		return
	}
	s.logger.Info("Released own mmsi", "mmsi", s.cfg.OwnMMSI)
}

// connect dials the session endpoint, sends the credentials and waits for
// the pong that acknowledges them. The returned channel yields the result
// of the running session.
func (s *Supervisor) connect(ctx context.Context) (*session.Session, <-chan error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.LivenessTimeout)
	defer cancel()
	conn, _, err := s.dialer.DialContext(dialCtx, s.client.WebSocketURL(), nil)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Supervisor", "connect", "dial "+s.client.WebSocketURL())
	}

	sess := session.New(conn, session.Config{
		PingInterval: s.cfg.KeepAlive,
		WriteTimeout: writeTimeout,
	}, s.logger)
	if err := sess.Send(wire.CredentialsEnvelope(s.cfg.Username, s.cfg.Password)); err != nil {
		_ = sess.Close()
		return nil, nil, errors.Wrap(err, "Supervisor", "connect", "send credentials")
	}
	if err := sess.Ping(); err != nil {
		_ = sess.Close()
		return nil, nil, errors.Wrap(err, "Supervisor", "connect", "send ping")
	}

	ended := make(chan error, 1)
	go func() {
		ended <- sess.Run(ctx, &uplink{supervisor: s, ctx: ctx})
	}()

	timer := time.NewTimer(s.cfg.LivenessTimeout)
	defer timer.Stop()
	select {
	case <-sess.Pongs():
		return sess, ended, nil
	case err := <-ended:
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.Wrap(err, "Supervisor", "connect", "await liveness ack")
	case <-timer.C:
		_ = sess.Close()
		<-ended
		return nil, nil, errors.WrapTransient(errors.ErrConnectionTimeout, "Supervisor", "connect", "await liveness ack")
	}
}

// uplink hands backbone envelopes to the packet handler.
type uplink struct {
	supervisor *Supervisor
	ctx        context.Context
}

func (u *uplink) OnConnect(*session.Session) error { return nil }

func (u *uplink) OnMessage(_ *session.Session, env wire.Envelope) {
	s := u.supervisor
	if env.Packet == "" {
		s.logger.Debug("Ignoring frame without packet")
		return
	}
	p, err := ais.ParsePacket(env.Packet)
	if err != nil {
		s.logger.Debug("Dropping undecodable packet", "error", err)
		return
	}
	if s.onPacket != nil {
		s.onPacket(u.ctx, p)
	}
}

func (u *uplink) OnClose(_ *session.Session, err error) {
	if errors.Is(err, errors.ErrProtocolViolation) {
		u.supervisor.logger.Warn("Backbone sent a binary frame, session closed")
	}
}

// FetchTargets returns the backbone target table, using the session
// credentials.
func (s *Supervisor) FetchTargets(ctx context.Context) ([]targets.TargetEntry, error) {
	return s.client.Targets(ctx, s.cfg.Username, s.cfg.Password)
}

// Send relays p to the backbone. Packets offered while not CONNECTED are
// dropped and reported as ErrNoConnection.
func (s *Supervisor) Send(_ context.Context, p *ais.Packet) error {
	s.connMu.Lock()
	sess := s.sess
	s.connMu.Unlock()
	if sess == nil || s.status.Snapshot().State != Connected {
		if s.metrics != nil {
			s.metrics.dropped.Inc()
		}
		return errors.WrapTransient(errors.ErrNoConnection, "Supervisor", "Send", "check session state")
	}

	if err := sess.Send(wire.PacketEnvelope(p.String())); err != nil {
		return errors.Wrap(err, "Supervisor", "Send", "write packet")
	}
	if s.metrics != nil {
		s.metrics.sent.Inc()
	}
	return nil
}
