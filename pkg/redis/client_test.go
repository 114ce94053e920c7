package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

func TestNewClient(t *testing.T) {
	logger := observability.NewNoopLogger()

	t.Run("Connects to a single node", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client, err := NewClient(&Config{
			Addresses:   []string{mr.Addr()},
			PoolTimeout: 5 * time.Second,
		}, logger)
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.IsHealthy())
		assert.NoError(t, client.GetClient().Set(context.Background(), "k", "v", 0).Err())
	})

	t.Run("Handles connection errors", func(t *testing.T) {
		client, err := NewClient(&Config{
			Addresses:   []string{"127.0.0.1:1"},
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		}, logger)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("Requires config", func(t *testing.T) {
		_, err := NewClient(nil, logger)
		assert.Error(t, err)
	})
}

func TestClient_HealthCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewClient(&Config{
		Addresses:           []string{mr.Addr()},
		MaxRetries:          -1,
		DialTimeout:         200 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, nil)
	require.NoError(t, err)

	assert.True(t, client.CheckHealth(context.Background()))

	mr.SetError("LOADING")
	assert.False(t, client.CheckHealth(context.Background()))
	assert.False(t, client.IsHealthy())

	mr.SetError("")
	assert.True(t, client.CheckHealth(context.Background()))

	require.NoError(t, client.Close())
	// second close is a no-op
	require.NoError(t, client.Close())
}
