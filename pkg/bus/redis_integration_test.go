//go:build integration
// +build integration

package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/developer-mesh/collabcore/pkg/redis"
)

func TestRedisBus_RealServer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	host, err := container.Host(ctx)
	require.NoError(t, err)

	client, err := redis.NewClient(&redis.Config{Addresses: []string{fmt.Sprintf("%s:%s", host, port.Port())}}, nil)
	require.NoError(t, err)
	defer client.Close()

	exerciseBus(t, NewRedisBus(client, nil))
}
