package transponder

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/hub"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/server"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

// loopback republishes session packets to every session, standing in for
// the bus between the out and in subjects.
type loopback struct {
	mu  sync.Mutex
	hub *hub.Hub
	got []string
}

func (l *loopback) Publish(_ context.Context, _ string, data []byte) error {
	l.mu.Lock()
	l.got = append(l.got, string(data))
	h := l.hub
	l.mu.Unlock()
	p, err := ais.ParsePacket(string(data))
	if err != nil {
		return err
	}
	h.Ingest(p)
	return nil
}

func (l *loopback) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

type backbone struct {
	url    string
	hub    *hub.Hub
	broker *identity.Broker
	bus    *loopback
	tls    *tls.Config
}

func newBackbone(t *testing.T) *backbone {
	t.Helper()
	return startBackbone(t, false)
}

// startBackbone serves the backbone over https when secure is set; the
// returned tls config trusts its certificate. wrap, when given, sits in
// front of the backbone routes.
func startBackbone(t *testing.T, secure bool, wrap ...func(http.Handler) http.Handler) *backbone {
	t.Helper()
	reg, err := targets.NewRegistry(targets.DefaultConfig())
	require.NoError(t, err)
	bus := &loopback{}
	h, err := hub.New(reg, hub.DefaultConfig(), hub.WithCollector(bus))
	require.NoError(t, err)
	bus.hub = h
	t.Cleanup(func() { _ = h.Stop(time.Second) })

	tokens, err := identity.NewTokenIssuer([]byte("backbone-secret"), time.Hour)
	require.NoError(t, err)
	broker, err := identity.NewBroker(identity.NewUsers(map[string]string{"ole": "secret", "anna": "pw"}), tokens, nil)
	require.NoError(t, err)

	s, err := server.New(server.DefaultConfig(), h, reg, broker)
	require.NoError(t, err)
	bb := &backbone{hub: h, broker: broker, bus: bus}
	handler := s.Handler()
	for _, w := range wrap {
		handler = w(handler)
	}
	var ts *httptest.Server
	if secure {
		ts = httptest.NewTLSServer(handler)
		bb.tls = ts.Client().Transport.(*http.Transport).TLSClientConfig
	} else {
		ts = httptest.NewServer(handler)
	}
	t.Cleanup(ts.Close)
	bb.url = ts.URL
	return bb
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) count(s State) int {
	n := 0
	for _, st := range r.snapshot() {
		if st == s {
			n++
		}
	}
	return n
}

func testSupervisorConfig(url, user, pass string, own uint32) SupervisorConfig {
	return SupervisorConfig{
		ServerURL:       url,
		Username:        user,
		Password:        pass,
		OwnMMSI:         own,
		RetryDelay:      20 * time.Millisecond,
		LivenessTimeout: 2 * time.Second,
	}
}

func TestSupervisor_ConnectsThroughStates(t *testing.T) {
	bb := newBackbone(t)
	rec := &stateRecorder{}
	inbound := make(chan *ais.Packet, 4)

	sup, err := NewSupervisor(testSupervisorConfig(bb.url, "ole", "secret", ownMMSI), nil,
		OnStateChange(rec.record),
		WithSupervisorMetrics(metric.NewMetricsRegistry()),
		WithPacketHandler(func(_ context.Context, p *ais.Packet) { inbound <- p }))
	require.NoError(t, err)

	p := positionPacket(t, ownMMSI, 55, 11, true)
	assert.ErrorIs(t, sup.Send(context.Background(), p), errors.ErrNoConnection, "not yet CONNECTED")

	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.count(Connected) == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []State{Authenticating, Reserving, Connecting, Connected}, rec.snapshot())
	st := sup.Status()
	assert.Equal(t, Connected, st.State)
	assert.Empty(t, st.LastError)

	holder, held, err := bb.broker.Holder(context.Background(), ownMMSI)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "ole", holder)

	require.NoError(t, sup.Send(context.Background(), p))
	require.Eventually(t, func() bool { return len(bb.bus.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, p.String(), bb.bus.published()[0])

	select {
	case got := <-inbound:
		assert.Equal(t, p.String(), got.String(), "looped back through the hub")
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound packet")
	}

	require.NoError(t, sup.Stop(DefaultStopTimeout))
	states := rec.snapshot()
	assert.Equal(t, Disconnected, states[len(states)-1])
	assert.False(t, sup.Status().Connected)

	_, held, err = bb.broker.Holder(context.Background(), ownMMSI)
	require.NoError(t, err)
	assert.False(t, held, "reservation released on shutdown")
	assert.ErrorIs(t, sup.Send(context.Background(), p), errors.ErrNoConnection)
}

func TestSupervisor_ConnectsOverTLS(t *testing.T) {
	bb := startBackbone(t, true)
	require.Contains(t, bb.url, "https://")

	cfg := testSupervisorConfig(bb.url, "ole", "secret", ownMMSI)
	cfg.TLS = bb.tls
	sup, err := NewSupervisor(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://", sup.client.WebSocketURL()[:6])

	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.Status().Connected }, 5*time.Second, 10*time.Millisecond)

	p := positionPacket(t, ownMMSI, 55, 11, true)
	require.NoError(t, sup.Send(context.Background(), p))
	require.Eventually(t, func() bool { return len(bb.bus.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))
}

func TestSupervisor_UntrustedCertificate(t *testing.T) {
	bb := startBackbone(t, true)
	sup, err := NewSupervisor(testSupervisorConfig(bb.url, "ole", "secret", ownMMSI), nil)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return sup.Status().LastError != "" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))
	assert.Contains(t, sup.Status().LastError, "certificate")
}

func TestSupervisor_BadCredentialsRetry(t *testing.T) {
	bb := newBackbone(t)
	rec := &stateRecorder{}
	sup, err := NewSupervisor(testSupervisorConfig(bb.url, "ole", "wrong", ownMMSI), nil, OnStateChange(rec.record))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count(Authenticating) >= 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))

	assert.Zero(t, rec.count(Reserving))
	assert.Contains(t, sup.Status().LastError, errors.ErrAuthenticationFailed.Error())
	assert.Equal(t, []State{Authenticating, Disconnected}, rec.snapshot()[:2])
}

func TestSupervisor_AlreadyReserved(t *testing.T) {
	bb := newBackbone(t)
	ctx := context.Background()
	token, err := bb.broker.Authenticate(ctx, "anna", "pw")
	require.NoError(t, err)
	require.Equal(t, identity.Reserved, bb.broker.ReserveIdentity(ctx, ownMMSI, token))

	rec := &stateRecorder{}
	sup, err := NewSupervisor(testSupervisorConfig(bb.url, "ole", "secret", ownMMSI), nil, OnStateChange(rec.record))
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	require.Eventually(t, func() bool { return rec.count(Reserving) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))

	assert.Zero(t, rec.count(Connecting))
	assert.Contains(t, sup.Status().LastError, string(identity.AlreadyReserved))

	holder, _, err := bb.broker.Holder(ctx, ownMMSI)
	require.NoError(t, err)
	assert.Equal(t, "anna", holder)
}

type fakeMode int

const (
	// never read, so pings go unanswered
	fakeSilent fakeMode = iota
	// drop every session after a short while
	fakeDrop
	// send a binary frame once the session is up
	fakeBinary
)

type fakeServer struct {
	url string
	// closeCodes receives the close code each session ended with.
	closeCodes chan int
}

// fakeBackbone accepts any credentials and runs its websocket in mode.
func fakeBackbone(t *testing.T, mode fakeMode) *fakeServer {
	t.Helper()
	fs := &fakeServer{closeCodes: make(chan int, 16)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/authenticate", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.AuthenticateReply{Token: "t"})
	})
	mux.HandleFunc("/rest/reserve", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(wire.ReserveReply{Result: string(identity.Reserved)})
	})
	mux.HandleFunc("/rest/reserve/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		switch mode {
		case fakeSilent:
			time.Sleep(time.Second)
			return
		case fakeDrop:
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = conn.Close()
			}()
		case fakeBinary:
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
			}()
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if stderrors.As(err, &ce) {
					select {
					case fs.closeCodes <- ce.Code:
					default:
					}
				}
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	fs.url = ts.URL
	return fs
}

func TestSupervisor_LivenessTimeout(t *testing.T) {
	fake := fakeBackbone(t, fakeSilent)
	rec := &stateRecorder{}
	cfg := testSupervisorConfig(fake.url, "ole", "secret", ownMMSI)
	cfg.LivenessTimeout = 100 * time.Millisecond
	sup, err := NewSupervisor(cfg, nil, OnStateChange(rec.record))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count(Connecting) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))

	assert.Zero(t, rec.count(Connected))
	assert.Contains(t, sup.Status().LastError, "liveness")
}

func TestSupervisor_ReconnectsAfterDrop(t *testing.T) {
	fake := fakeBackbone(t, fakeDrop)
	rec := &stateRecorder{}
	sup, err := NewSupervisor(testSupervisorConfig(fake.url, "ole", "secret", ownMMSI), nil, OnStateChange(rec.record))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count(Connected) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))

	states := rec.snapshot()
	assert.Equal(t, []State{Authenticating, Reserving, Connecting, Connected, Disconnected, Authenticating}, states[:6])
}

func TestSupervisor_BinaryFrameClosesSession(t *testing.T) {
	fake := fakeBackbone(t, fakeBinary)
	rec := &stateRecorder{}
	errs := make(chan string, 16)
	var sup *Supervisor
	sup, err := NewSupervisor(testSupervisorConfig(fake.url, "ole", "secret", ownMMSI), nil,
		OnStateChange(func(st State) {
			rec.record(st)
			if st == Disconnected {
				select {
				case errs <- sup.Status().LastError:
				default:
				}
			}
		}))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return rec.count(Connected) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(DefaultStopTimeout))

	select {
	case code := <-fake.closeCodes:
		assert.Equal(t, websocket.ClosePolicyViolation, code)
	case <-time.After(2 * time.Second):
		t.Fatal("backbone saw no close frame")
	}
	assert.Contains(t, <-errs, errors.ErrProtocolViolation.Error())
	assert.Equal(t, []State{Authenticating, Reserving, Connecting, Connected, Disconnected, Authenticating}, rec.snapshot()[:6])
}

func TestSupervisor_AuthenticationRecovers(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	rejectFirst := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/rest/authenticate" {
				mu.Lock()
				calls++
				first := calls == 1
				mu.Unlock()
				if first {
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(wire.AuthenticateReply{Error: errors.ErrAuthenticationFailed.Error()})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
	bb := startBackbone(t, false, rejectFirst)
	rec := &stateRecorder{}
	sup, err := NewSupervisor(testSupervisorConfig(bb.url, "ole", "secret", ownMMSI), nil, OnStateChange(rec.record))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer func() { _ = sup.Stop(DefaultStopTimeout) }()

	require.Eventually(t, func() bool { return rec.count(Connected) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []State{Authenticating, Disconnected, Authenticating, Reserving, Connecting, Connected}, rec.snapshot())
	assert.Empty(t, sup.Status().LastError)
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	sup, err := NewSupervisor(testSupervisorConfig("http://127.0.0.1:1", "ole", "secret", ownMMSI), nil)
	require.NoError(t, err)
	assert.NoError(t, sup.Stop(time.Second))

	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()))
	assert.NoError(t, sup.Stop(DefaultStopTimeout))
}

func TestNewSupervisor_Validation(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{}, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestControlClient_WebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://host:8080/ws/", NewControlClient("http://host:8080/", 0).WebSocketURL())
	assert.Equal(t, "wss://host/ws/", NewControlClient("https://host", 0).WebSocketURL())
	assert.Equal(t, "ws://host:1/ws/", NewControlClient("host:1", 0).WebSocketURL())
}
