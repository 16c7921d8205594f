package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/health"
	"github.com/cynsky/AisVirtualNet/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.status.String())
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	require.Error(t, err)

	c, err := NewClient("nats://localhost:4222", WithClientName("aisvnet-test"), WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestClient_ReportHealth(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusConnected, health.StateHealthy},
		{StatusReconnecting, health.StateDegraded},
		{StatusConnecting, health.StateDegraded},
		{StatusDisconnected, health.StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			c, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			c.setStatus(tt.status)

			m := health.NewMonitor("aisvnet-server")
			c.ReportHealth(m, "nats")
			s, ok := m.Get("nats")
			require.True(t, ok)
			assert.Equal(t, tt.expected, s.Status)
			assert.Equal(t, tt.status.String(), s.Message)
		})
	}
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, c.Publish(ctx, "ais.packets.out", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "ais.packets.in", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "AIS_RESERVATIONS"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close(ctx))
}

func TestClient_ConnectCancelled(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(time.Second), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	require.NoError(t, tc.Client.Subscribe(ctx, "ais.packets.in", func(_ context.Context, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}))

	require.NoError(t, tc.Client.Publish(ctx, "ais.packets.in", []byte("!AIVDM,1,1,,A,13u?etPv2;0n:dDPwUM1U1Cb069D,0*24")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_KeyValueCreateOrGet(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	cfg := jetstream.KeyValueConfig{Bucket: "AIS_TEST", TTL: time.Minute}
	kv1, err := tc.Client.KeyValue(ctx, cfg)
	require.NoError(t, err)
	kv2, err := tc.Client.KeyValue(ctx, cfg)
	require.NoError(t, err)

	_, err = kv1.Create(ctx, "123456789", []byte("alice"))
	require.NoError(t, err)
	entry, err := kv2.Get(ctx, "123456789")
	require.NoError(t, err)
	assert.Equal(t, "alice", string(entry.Value()))
}
