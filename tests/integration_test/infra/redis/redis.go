// Package redis boots the throwaway store the broker's integration suites
// run against and points the process-wide redis config at it.
package redis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Setup starts a redis container, exports REDIS_ENDPOINT so the component
// singleton dials it, and returns a teardown function.
func Setup(ctx context.Context) (func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	os.Setenv("REDIS_ENDPOINT", fmt.Sprintf("%s:%s", host, port.Port()))

	return func() {
		_ = container.Terminate(context.Background())
	}, nil
}
