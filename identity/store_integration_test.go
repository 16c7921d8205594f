package identity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cynsky/AisVirtualNet/natsclient"
)

func TestKVStore_Conformance(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewKVStore(ctx, tc.Client, "AIS_RESERVATIONS_TEST", time.Minute)
	require.NoError(t, err)
	testStoreConformance(t, store)
}

func TestRedisStore_Conformance(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := NewRedisClient(fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisStore(rdb, "")
	require.NoError(t, store.Ping(ctx))
	testStoreConformance(t, store)
}
