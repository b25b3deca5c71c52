package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ms-landmarket/internal/logger"
)

// TestRedisIntegration exercises the slot lock against a real Redis
// container, covering SetNX semantics miniredis cannot fully prove.
func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer redisContainer.Terminate(ctx)

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{
		Addr: host + ":" + port.Port(),
	})
	defer client.Close()

	l := NewLocks(client, logger.NewLogger(), 2*time.Second)

	won, err := l.TryLock(ctx, "genesis:X:00001", "res-a")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = l.TryLock(ctx, "genesis:X:00001", "res-b")
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, l.Unlock(ctx, "genesis:X:00001", "res-a"))

	won, err = l.TryLock(ctx, "genesis:X:00001", "res-b")
	require.NoError(t, err)
	assert.True(t, won)

	// The key self-expires after the TTL.
	time.Sleep(2500 * time.Millisecond)
	won, err = l.TryLock(ctx, "genesis:X:00001", "res-c")
	require.NoError(t, err)
	assert.True(t, won)
}
