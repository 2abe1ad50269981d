//go:build integration

package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/docqa-agent/internal/api/middleware"
	tc "github.com/alqutdigital/docqa-agent/internal/testing"
)

func TestRedisRateLimitStore_Container(t *testing.T) {
	ctx := context.Background()
	containers := tc.NewTestContainers(tc.DefaultContainerConfig(), nil)
	t.Cleanup(func() { containers.Cleanup(context.Background()) })
	require.NoError(t, containers.StartRedis(ctx))

	client, err := containers.RedisClient()
	require.NoError(t, err)
	defer client.Close()

	store := middleware.NewRedisRateLimitStore(client, "docqa:test", nil)
	require.True(t, store.IsHealthy())

	for want := int64(1); want <= 3; want++ {
		got, err := store.Increment(ctx, "session-a", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := store.Increment(ctx, "session-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)

	assert.Eventually(t, func() bool {
		n, err := store.Increment(ctx, "session-a", time.Second)
		return err == nil && n == 1
	}, 5*time.Second, 200*time.Millisecond, "window should reset once the key expires")
}
