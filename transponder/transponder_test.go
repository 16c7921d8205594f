package transponder

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

func startTransponder(t *testing.T, url, user, pass string, own uint32) (*Transponder, *localClient) {
	t.Helper()
	tp, err := New(Config{
		Supervisor: testSupervisorConfig(url, user, pass, own),
		Bridge:     BridgeConfig{ListenAddr: "127.0.0.1:0"},
		StatusAddr: "127.0.0.1:0",
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tp.Start(context.Background()))
	t.Cleanup(func() { _ = tp.Stop(DefaultStopTimeout) })

	conn, err := net.Dial("tcp", tp.BridgeAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		st := tp.Status()
		return st.Connected && st.ClientConnected
	}, 5*time.Second, 10*time.Millisecond)
	return tp, &localClient{conn: conn, reader: bufio.NewReader(conn)}
}

// readUntil returns the first line accepted by match, skipping others.
func (c *localClient) readUntil(t *testing.T, match func(string) bool) string {
	t.Helper()
	for i := 0; i < 20; i++ {
		line := c.readLine(t)
		if match(line) {
			return line
		}
	}
	t.Fatal("no matching line")
	return ""
}

func isMessageType(typ int) func(string) bool {
	return func(line string) bool {
		p, err := ais.ParsePacket(line)
		return err == nil && p.Message().Type == typ
	}
}

func TestTransponder_AddressedBinaryRoundTrip(t *testing.T) {
	bb := newBackbone(t)
	_, alice := startTransponder(t, bb.url, "ole", "secret", ownMMSI)
	_, bob := startTransponder(t, bb.url, "anna", "pw", foreignMMSI)

	for _, line := range abmLines(foreignMMSI, 3, 6, dataBits(48), 1) {
		alice.writeLine(t, line)
	}

	abk := parseAbk(t, alice.readUntil(t, func(l string) bool { return ais.IsFormatter(l, "ABK") }))
	assert.Equal(t, ais.AddressedSuccess, abk.Result)
	assert.Equal(t, foreignMMSI, abk.Destination)

	line := bob.readUntil(t, isMessageType(6))
	assert.Contains(t, line, "!AIVDM")
	p, err := ais.ParsePacket(line)
	require.NoError(t, err)
	m := p.Message()
	assert.Equal(t, ownMMSI, m.MMSI)
	assert.Equal(t, foreignMMSI, m.Destination)
	assert.Equal(t, 3, m.Sequence)
	assert.Equal(t, dataBits(48), m.Data)

	ack := alice.readUntil(t, isMessageType(7))
	assert.Contains(t, ack, "!AIVDM", "ack originates from the other vessel")
	p, err = ais.ParsePacket(ack)
	require.NoError(t, err)
	assert.Equal(t, foreignMMSI, p.Message().MMSI)
	assert.Equal(t, []ais.Ack{{MMSI: ownMMSI, Sequence: 3}}, p.Message().Acks)
}

func TestTransponder_StatusServer(t *testing.T) {
	bb := newBackbone(t)
	tp, _ := startTransponder(t, bb.url, "ole", "secret", ownMMSI)
	base := "http://" + tp.http.Addr()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, Connected, st.State)
	assert.True(t, st.Connected)
	assert.True(t, st.ClientConnected)
	assert.Equal(t, ownMMSI, st.OwnMMSI)

	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	bb.hub.Ingest(positionPacket(t, foreignMMSI, 55.5, 12.5, true))
	tgt, err := http.Get(base + "/targets")
	require.NoError(t, err)
	defer tgt.Body.Close()
	require.Equal(t, http.StatusOK, tgt.StatusCode)
	var entries []targets.TargetEntry
	require.NoError(t, json.NewDecoder(tgt.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, foreignMMSI, entries[0].MMSI)
}

type brokenTargets struct{}

func (brokenTargets) FetchTargets(context.Context) ([]targets.TargetEntry, error) {
	return nil, errors.WrapTransient(errors.ErrConnectionLost, "test", "FetchTargets", "call backbone")
}

func TestStatusServer_TargetsUnavailable(t *testing.T) {
	srv := httptest.NewServer(NewStatusServer("", NewStatusTracker(ownMMSI), brokenTargets{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/targets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var reply wire.ErrorReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Contains(t, reply.Error, errors.ErrConnectionLost.Error())
}

func TestStatusServer_UnhealthyWhileDisconnected(t *testing.T) {
	status := NewStatusTracker(ownMMSI)
	srv := httptest.NewServer(NewStatusServer("", status, nil, metric.NewMetricsRegistry(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	status.setState(Connected, nil)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusTracker_ClearsErrorOnConnected(t *testing.T) {
	status := NewStatusTracker(ownMMSI)
	status.setState(Disconnected, errors.ErrConnectionLost)
	assert.Equal(t, errors.ErrConnectionLost.Error(), status.Snapshot().LastError)

	status.setState(Authenticating, nil)
	assert.Equal(t, errors.ErrConnectionLost.Error(), status.Snapshot().LastError, "kept until CONNECTED")

	status.setState(Connected, nil)
	st := status.Snapshot()
	assert.Empty(t, st.LastError)
	assert.True(t, st.Connected)
}

func TestNew_MismatchedOwnMMSI(t *testing.T) {
	_, err := New(Config{
		Supervisor: testSupervisorConfig("http://127.0.0.1:1", "ole", "secret", ownMMSI),
		Bridge:     BridgeConfig{OwnMMSI: foreignMMSI},
	}, nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestControlClient(t *testing.T) {
	bb := newBackbone(t)
	ctx := context.Background()
	c := NewControlClient(bb.url, time.Second)

	_, err := c.Authenticate(ctx, "ole", "nope")
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)

	token, err := c.Authenticate(ctx, "ole", "secret")
	require.NoError(t, err)

	result, err := c.Reserve(ctx, ownMMSI, token)
	require.NoError(t, err)
	assert.Equal(t, identity.Reserved, result)

	result, err = c.Reserve(ctx, 1_000_000_000, token)
	require.NoError(t, err)
	assert.Equal(t, identity.InvalidIdentity, result)

	other, err := c.Authenticate(ctx, "anna", "pw")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Release(ctx, ownMMSI, other), errors.ErrNotHolder)
	require.NoError(t, c.Release(ctx, ownMMSI, token))

	list, err := c.Targets(ctx, "ole", "secret")
	require.NoError(t, err)
	assert.Empty(t, list)
}
