package transponder

import (
	"bufio"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/pkg/cache"
)

const (
	DefaultBridgeAddr   = ":8001"
	DefaultPositionTTL  = 10 * time.Minute
	positionSweep       = time.Minute
	localTalker         = "AI"
	localWriteTimeout   = 5 * time.Second
	maxLocalLineLength  = 4096
	maxBinarySequenceID = 3
)

// BridgeConfig holds the local equipment settings.
type BridgeConfig struct {
	ListenAddr string
	OwnMMSI    uint32
	// ReceiveRadius in meters. Foreign traffic farther from own position is
	// not relayed. Zero relays everything.
	ReceiveRadius float64
	// OwnPosInterval re-sends the last own position report. Zero disables.
	OwnPosInterval time.Duration
	SendPstt       bool
	PsttInterval   time.Duration
	PositionTTL    time.Duration
}

// Uplink carries packets to the backbone.
type Uplink interface {
	Send(ctx context.Context, p *ais.Packet) error
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithBridgeMetrics(registry *metric.MetricsRegistry) BridgeOption {
	return func(b *Bridge) { b.metricsRegistry = registry }
}

// Bridge is the local side of the transponder. It accepts one TCP client at
// a time, turns its ABM and BBM requests into messages for the backbone and
// relays backbone traffic as VDM, or VDO for own messages.
type Bridge struct {
	cfg    BridgeConfig
	uplink Uplink
	status *StatusTracker
	logger *slog.Logger

	positions  *cache.TTL[uint32, ais.Position]
	streamTime *ais.StreamTime

	// request accumulators, owned by the client reader
	abm ais.Abm
	bbm ais.Bbm

	seqMu    sync.Mutex
	sequence int

	clientMu sync.Mutex
	client   net.Conn

	ownMu      sync.Mutex
	ownMessage *ais.Packet

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	metricsRegistry *metric.MetricsRegistry
	metrics         *bridgeMetrics
}

type bridgeMetrics struct {
	lines     prometheus.Counter
	abk       *prometheus.CounterVec
	delivered prometheus.Counter
	filtered  prometheus.Counter
}

// NewBridge creates a bridge sending requests through uplink.
func NewBridge(cfg BridgeConfig, uplink Uplink, status *StatusTracker, opts ...BridgeOption) (*Bridge, error) {
	if uplink == nil || cfg.OwnMMSI == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Bridge", "NewBridge", "check uplink and own mmsi")
	}
	if cfg.ReceiveRadius < 0 || cfg.OwnPosInterval < 0 {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Bridge", "NewBridge", "check radius and resend interval")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultBridgeAddr
	}
	if cfg.PositionTTL <= 0 {
		cfg.PositionTTL = DefaultPositionTTL
	}
	if status == nil {
		status = NewStatusTracker(cfg.OwnMMSI)
	}
	b := &Bridge{cfg: cfg, uplink: uplink, status: status, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "local-bridge")
	if cfg.SendPstt {
		b.streamTime = ais.NewStreamTime(cfg.PsttInterval)
	}
	b.positions = cache.NewTTL[uint32, ais.Position](context.Background(), cfg.PositionTTL, positionSweep)
	b.metrics = b.newMetrics()
	return b, nil
}

func (b *Bridge) newMetrics() *bridgeMetrics {
	if b.metricsRegistry == nil {
		return nil
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "bridge", Name: name, Help: help,
		})
		if err := b.metricsRegistry.RegisterCounter("bridge", name, c); err != nil {
			b.logger.Warn("Failed to register metric", "metric", name, "error", err)
		}
		return c
	}
	m := &bridgeMetrics{
		lines:     counter("local_lines_total", "Lines read from local equipment"),
		delivered: counter("packets_delivered_total", "Packets written to local equipment"),
		filtered:  counter("packets_filtered_total", "Packets withheld by position or radius checks"),
		abk: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "bridge", Name: "abk_total",
			Help: "ABK acknowledgements by result",
		}, []string{"result"}),
	}
	if err := b.metricsRegistry.RegisterCounterVec("bridge", "abk", m.abk); err != nil {
		b.logger.Warn("Failed to register metric", "metric", "abk", "error", err)
	}
	return m
}

// Start binds the listener and serves local clients until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "check running state")
	}
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Bridge", "Start", "listen on "+b.cfg.ListenAddr)
	}
	b.listener = ln
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.acceptLoop(runCtx, ln)
	if b.cfg.OwnPosInterval > 0 {
		b.wg.Add(1)
		go b.resendLoop(runCtx)
	}

	b.logger.Info("Waiting for local equipment", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Stop closes the listener and the client and waits at most timeout.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	ln, cancel := b.listener, b.cancel
	b.mu.Unlock()
	if ln == nil {
		return b.positions.Close()
	}
	cancel()
	_ = ln.Close()
	b.clientMu.Lock()
	if b.client != nil {
		_ = b.client.Close()
	}
	b.clientMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		_ = b.positions.Close()
		b.logger.Info("Local bridge stopped")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("Local bridge did not stop in time", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Bridge", "Stop", "wait for goroutines")
	}
}

// acceptLoop serves one client at a time. Further connections wait in the
// listen backlog until the current client leaves.
func (b *Bridge) acceptLoop(ctx context.Context, ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("Accept failed", "error", err)
			continue
		}
		b.serveClient(ctx, conn)
	}
}

func (b *Bridge) serveClient(ctx context.Context, conn net.Conn) {
	log := b.logger.With("client", conn.RemoteAddr().String())
	b.clientMu.Lock()
	b.client = conn
	b.clientMu.Unlock()
	b.status.Update(func(s *Status) { s.ClientConnected = true })
	log.Info("Local client connected")

	defer func() {
		b.clientMu.Lock()
		b.client = nil
		b.clientMu.Unlock()
		_ = conn.Close()
		b.status.Update(func(s *Status) { s.ClientConnected = false })
		log.Info("Local client disconnected")
	}()

	b.resetRequests()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLocalLineLength)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		b.handleLine(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debug("Local read ended", "error", err)
	}
}

func (b *Bridge) resetRequests() {
	b.abm = ais.Abm{}
	b.bbm = ais.Bbm{}
}

// handleLine feeds one line from local equipment. Only ABM and BBM are acted
// on; any other sentence abandons a partially received request.
func (b *Bridge) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if b.metrics != nil {
		b.metrics.lines.Inc()
	}
	if !ais.HasSentence(line) {
		return
	}
	b.logger.Debug("Read from local client", "line", line)

	switch {
	case ais.IsFormatter(line, "ABM"):
		more, err := b.abm.Parse(line)
		if err != nil {
			b.logger.Info("ABM rejected", "error", err, "line", line)
			break
		}
		if more != 0 {
			return
		}
		b.dispatchAbm(ctx)
	case ais.IsFormatter(line, "BBM"):
		more, err := b.bbm.Parse(line)
		if err != nil {
			b.logger.Info("BBM rejected", "error", err, "line", line)
			break
		}
		if more != 0 {
			return
		}
		b.dispatchBbm(ctx)
	}
	b.resetRequests()
}

func (b *Bridge) dispatchAbm(ctx context.Context) {
	abk := ais.Abk{
		Destination: b.abm.Destination(),
		Channel:     b.abm.Channel(),
		MsgID:       b.abm.MsgID(),
		Sequence:    b.abm.Sequence(),
		Result:      ais.AddressedSuccess,
	}
	m, err := b.abm.Message(b.cfg.OwnMMSI)
	if err == nil {
		err = b.sendMessage(ctx, m, b.abm.Sequence())
	}
	if err != nil {
		b.logger.Info("ABM not sent", "error", err)
		abk.Result = ais.CouldNotBroadcast
	}
	b.sendAbk(abk)
}

func (b *Bridge) dispatchBbm(ctx context.Context) {
	abk := ais.Abk{
		Channel:  b.bbm.Channel(),
		MsgID:    b.bbm.MsgID(),
		Sequence: b.bbm.Sequence(),
		Result:   ais.BroadcastSent,
	}
	m, err := b.bbm.Message(b.cfg.OwnMMSI)
	if err == nil {
		err = b.sendMessage(ctx, m, b.bbm.Sequence())
	}
	if err != nil {
		b.logger.Info("BBM not sent", "error", err)
		abk.Result = ais.CouldNotBroadcast
	}
	b.sendAbk(abk)
}

func (b *Bridge) sendAbk(abk ais.Abk) {
	if b.metrics != nil {
		b.metrics.abk.WithLabelValues(abk.Result.String()).Inc()
	}
	b.logger.Info("Sending ABK", "result", abk.Result.String(), "msg_id", abk.MsgID)
	b.writeLocal(abk.Encode())
}

// nextSequence hands out sequence ids 0..3 round robin.
func (b *Bridge) nextSequence() int {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	seq := b.sequence
	b.sequence = (b.sequence + 1) % (maxBinarySequenceID + 1)
	return seq
}

// sendMessage encodes m as VDM and sends it upstream. A sequence outside
// 0..3 is replaced by the next one from the counter.
func (b *Bridge) sendMessage(ctx context.Context, m *ais.Message, seq int) error {
	if seq < 0 || seq > maxBinarySequenceID {
		seq = b.nextSequence()
	}
	p, err := ais.EncodePacket(m, seq)
	if err != nil {
		return err
	}
	b.logger.Info("Sending VDM to network", "type", m.Type, "packet", p.String())
	return b.uplink.Send(ctx, p)
}

// Receive handles one packet from the backbone.
func (b *Bridge) Receive(ctx context.Context, p *ais.Packet) {
	msg := p.Message()
	if msg == nil {
		return
	}

	if b.streamTime != nil {
		if ts, ok := p.Timestamp(); ok {
			b.streamTime.SetStreamTime(ts)
			if b.streamTime.IsDue() {
				b.writeLocal(b.streamTime.CreatePstt())
			}
		}
	}

	own := msg.MMSI == b.cfg.OwnMMSI

	framed, err := p.Framed(b.cfg.OwnMMSI, localTalker)
	if err != nil {
		b.logger.Warn("Failed to reframe packet", "error", err)
		return
	}
	local, err := framed.Cropped()
	if err != nil {
		b.logger.Warn("Failed to crop packet", "error", err)
		return
	}

	if msg.Type == 6 && msg.AddressedTo(b.cfg.OwnMMSI) {
		b.sendBinaryAck(ctx, msg)
	}
	if msg.IsSafetyText() && (msg.Type == 14 || msg.AddressedTo(b.cfg.OwnMMSI)) {
		b.logger.Info("Safety message received", "from", msg.MMSI, "text", ais.TrimText(msg.Text()))
	}

	if own && msg.HasName {
		name := ais.TrimText(msg.Name)
		b.status.Update(func(s *Status) { s.OwnName = &name })
	}

	var position *ais.Position
	if msg.IsPositionReport() {
		if own {
			b.ownMu.Lock()
			b.ownMessage = local
			b.ownMu.Unlock()
			if msg.PositionValid && msg.Position != nil {
				pos := *msg.Position
				b.status.Update(func(s *Status) { s.OwnPosition = &pos })
			}
		} else {
			if !msg.PositionValid || msg.Position == nil {
				b.filtered()
				return
			}
			position = msg.Position
			b.positions.Set(msg.MMSI, *position)
		}
	}

	if !own && !b.withinRadius(msg.MMSI, position) {
		b.filtered()
		return
	}

	if b.writeLocal(local.String()) && b.metrics != nil {
		b.metrics.delivered.Inc()
	}
}

// withinRadius applies the receive radius. The boundary counts as inside.
func (b *Bridge) withinRadius(mmsi uint32, position *ais.Position) bool {
	if b.cfg.ReceiveRadius <= 0 {
		return true
	}
	ownPos := b.status.ownPosition()
	if ownPos == nil {
		return false
	}
	if position == nil {
		cached, ok := b.positions.Get(mmsi)
		if !ok {
			return false
		}
		position = &cached
	}
	return position.DistanceTo(*ownPos) <= b.cfg.ReceiveRadius
}

func (b *Bridge) filtered() {
	if b.metrics != nil {
		b.metrics.filtered.Inc()
	}
}

func (b *Bridge) sendBinaryAck(ctx context.Context, received *ais.Message) {
	ack := ais.NewBinaryAck(b.cfg.OwnMMSI, received)
	b.logger.Info("Sending binary acknowledge", "to", received.MMSI, "sequence", received.Sequence)
	if err := b.sendMessage(ctx, ack, received.Sequence); err != nil {
		b.logger.Info("Binary acknowledge not sent", "error", err)
	}
}

// writeLocal writes one or more CRLF separated lines to the client. It
// reports false when no client is connected or the write failed.
func (b *Bridge) writeLocal(s string) bool {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	if b.client == nil {
		return false
	}
	_ = b.client.SetWriteDeadline(time.Now().Add(localWriteTimeout))
	if _, err := b.client.Write([]byte(s + "\r\n")); err != nil {
		b.logger.Debug("Local write failed", "error", err)
		return false
	}
	return true
}

// resendLoop repeats the last own position report to local equipment.
func (b *Bridge) resendLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.OwnPosInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ownMu.Lock()
			own := b.ownMessage
			b.ownMu.Unlock()
			if own != nil {
				b.writeLocal(own.String())
			}
		}
	}
}
