// Package session runs one websocket connection that carries wire
// envelopes. Both ends of the backbone use it: the server for every accepted
// transponder, the transponder for its single uplink. What happens with the
// envelopes is left to a Handler.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/wire"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	closeWait           = time.Second
)

// Handler receives the life of one session.
type Handler interface {
	// OnConnect runs before the first frame is read. An error closes the
	// session with CloseGoingAway and OnClose is not called.
	OnConnect(s *Session) error
	// OnMessage runs for every decodable text frame, in arrival order.
	OnMessage(s *Session, env wire.Envelope)
	// OnClose runs once after the read loop has ended.
	OnClose(s *Session, err error)
}

// Config holds the keepalive settings.
type Config struct {
	// PingInterval is the keepalive period.
	PingInterval time.Duration
	// ReadTimeout bounds silence on the connection. Any frame or pong
	// extends it. Zero means twice the ping interval.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Session owns a websocket connection. Writes are serialized; Close may be
// called from any goroutine and more than once.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	pongs     chan struct{}
}

// New wraps conn. The pong handler is installed immediately, so a ping sent
// before Run is acknowledged on Pongs once Run reads the reply.
func New(conn *websocket.Conn, cfg Config, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		closed: make(chan struct{}),
		pongs:  make(chan struct{}, 1),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	return s
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Pongs signals received pongs. Signals are coalesced.
func (s *Session) Pongs() <-chan struct{} {
	return s.pongs
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Send writes env as a text frame.
func (s *Session) Send(env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Session", "Send", "write frame")
	}
	return nil
}

// Ping writes a ping control frame.
func (s *Session) Ping() error {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return errors.WrapTransient(err, "Session", "Ping", "write ping")
	}
	return nil
}

// Close sends a normal close frame and drops the connection.
func (s *Session) Close() error {
	return s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with code and reason, then drops the
// connection. Only the first call has an effect.
func (s *Session) CloseWith(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = s.conn.Close()
	})
	return err
}

// ReadEnvelope reads one frame before Run, waiting at most timeout. A binary
// frame closes the session with ClosePolicyViolation.
func (s *Session) ReadEnvelope(timeout time.Duration) (wire.Envelope, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	kind, data, err := s.conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, errors.WrapTransient(err, "Session", "ReadEnvelope", "read frame")
	}
	if kind != websocket.TextMessage {
		return wire.Envelope{}, s.violation("ReadEnvelope")
	}
	return wire.DecodeEnvelope(data)
}

func (s *Session) violation(method string) error {
	_ = s.CloseWith(websocket.ClosePolicyViolation, "binary frames not supported")
	return errors.WrapInvalid(errors.ErrProtocolViolation, "Session", method, "read frame")
}

// Run drives the session until the connection ends, a binary frame arrives,
// or ctx is cancelled. Cancellation closes with CloseGoingAway and returns
// ctx.Err().
func (s *Session) Run(ctx context.Context, h Handler) error {
	if err := h.OnConnect(s); err != nil {
		_ = s.CloseWith(websocket.CloseGoingAway, "session refused")
		return err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(ctx, stop)
	}()

	err := s.readLoop(h)
	close(stop)
	wg.Wait()
	_ = s.Close()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	h.OnClose(s, err)
	return err
}

func (s *Session) readLoop(h Handler) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return errors.WrapTransient(err, "Session", "Run", "read frame")
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if kind != websocket.TextMessage {
			return s.violation("Run")
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			s.logger.Debug("Ignoring undecodable frame", "error", err)
			continue
		}
		h.OnMessage(s, env)
	}
}

func (s *Session) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.closed:
			return
		case <-ctx.Done():
			_ = s.CloseWith(websocket.CloseGoingAway, "shutting down")
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				s.logger.Debug("Ping failed", "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}
