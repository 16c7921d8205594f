package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/hub"
	"github.com/cynsky/AisVirtualNet/session"
	"github.com/cynsky/AisVirtualNet/wire"
)

// credentialsWait bounds how long a new connection may stay silent.
const credentialsWait = 10 * time.Second

// wsSession adapts one websocket session to hub.Session.
type wsSession struct {
	id       string
	username string
	sess     *session.Session
}

func (ws *wsSession) ID() string { return ws.id }

// Deliver writes p as a packet envelope.
func (ws *wsSession) Deliver(_ context.Context, p *ais.Packet) error {
	if err := ws.sess.Send(wire.PacketEnvelope(p.String())); err != nil {
		return errors.Wrap(err, "wsSession", "Deliver", "write packet")
	}
	return nil
}

// Close sends a normal close frame and drops the connection.
func (ws *wsSession) Close() error {
	return ws.sess.Close()
}

// sessionHandler ties a logged-in session to the hub.
type sessionHandler struct {
	server *Server
	ws     *wsSession
	log    *slog.Logger
}

func (h *sessionHandler) OnConnect(*session.Session) error {
	if err := h.server.hub.RegisterSession(h.ws); err != nil {
		h.log.Warn("Session registration failed", "error", err)
		return err
	}
	h.log.Info("Session connected")
	return nil
}

func (h *sessionHandler) OnMessage(_ *session.Session, env wire.Envelope) {
	if env.Packet == "" {
		h.log.Debug("Ignoring frame without packet")
		return
	}
	p, err := ais.ParsePacket(env.Packet)
	if err != nil {
		h.log.Debug("Dropping undecodable session packet", "error", err)
		return
	}
	if m := h.server.metrics; m != nil {
		m.inbound.Inc()
	}
	if err := h.server.hub.DistributeInbound(context.Background(), p); err != nil {
		h.log.Warn("Inbound distribution failed", "error", err)
	}
}

func (h *sessionHandler) OnClose(_ *session.Session, err error) {
	h.server.hub.UnregisterSession(h.ws.id)
	if errors.Is(err, errors.ErrProtocolViolation) {
		h.log.Info("Binary frame, session closed")
		return
	}
	h.log.Info("Session disconnected", "error", err)
}

// handleWebSocket upgrades and hands the connection to its own goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.connections.Inc()
	}
	s.wg.Add(1)
	go s.serveSession(conn, r.RemoteAddr)
}

func (s *Server) reject(sess *session.Session, reason string) {
	if s.metrics != nil {
		s.metrics.rejected.WithLabelValues(reason).Inc()
	}
	_ = sess.CloseWith(websocket.ClosePolicyViolation, reason)
}

// serveSession runs one session: credentials first, then packets until the
// connection ends. Control frames are processed in order, so a ping sent
// right after the credentials is only answered once they were accepted.
func (s *Server) serveSession(conn *websocket.Conn, remote string) {
	defer s.wg.Done()
	log := s.logger.With("remote", remote)
	sess := session.New(conn, session.Config{
		PingInterval: s.cfg.PingInterval,
		WriteTimeout: writeWait,
	}, log)

	env, err := sess.ReadEnvelope(credentialsWait)
	switch {
	case errors.Is(err, errors.ErrProtocolViolation):
		log.Info("Binary frame rejected")
		if s.metrics != nil {
			s.metrics.rejected.WithLabelValues("binary frames not supported").Inc()
		}
		return
	case errors.Is(err, errors.ErrParsingFailed) || (err == nil && !env.IsCredentials()):
		log.Info("First frame is not a credentials envelope")
		s.reject(sess, "credentials expected")
		return
	case err != nil:
		log.Debug("Session ended before credentials", "error", err)
		_ = conn.Close()
		return
	}
	if _, err := s.broker.Authenticate(context.Background(), env.Username, env.Password); err != nil {
		s.reject(sess, "authentication failed")
		return
	}

	ws := &wsSession{id: hub.NewSessionID(), username: env.Username, sess: sess}
	h := &sessionHandler{
		server: s,
		ws:     ws,
		log:    log.With("session", ws.id, "username", env.Username),
	}
	_ = sess.Run(s.sessionContext(), h)
}
