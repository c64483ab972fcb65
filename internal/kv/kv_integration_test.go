//go:build integration
// +build integration

package kv

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	component "github.com/screwdriver-cd/queue-broker/internal/component/redis"
	infra "github.com/screwdriver-cd/queue-broker/tests/integration_test/infra/redis"
	"github.com/screwdriver-cd/queue-broker/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		fmt.Println("skipping integration tests")
		os.Exit(0)
	}

	teardown, err := infra.Setup(context.Background())
	if err != nil {
		panic(err)
	}

	code := m.Run()

	teardown()
	os.Exit(code)
}

func newIntegrationClient(t *testing.T, prefix string) *Client {
	t.Helper()
	component.ResetRedisClient()
	c := NewClient(prefix)
	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.Connected())
	return c
}

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t, "kv1_")

	cfg := model.BuildConfig{
		BuildID:   8609,
		JobID:     777,
		BlockedBy: []int64{777},
		Container: "node:20",
		Extra:     map[string]any{"provider": "aws"},
	}
	require.NoError(t, c.HSet(ctx, "buildConfigs", "8609", cfg))

	var got model.BuildConfig
	found, err := c.HGet(ctx, "buildConfigs", "8609", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cfg, got)

	require.NoError(t, c.HDel(ctx, "buildConfigs", "8609"))
	found, err = c.HGet(ctx, "buildConfigs", "8609", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHGetAll(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t, "kv2_")

	require.NoError(t, c.HSet(ctx, "timeoutConfigs", "1", model.TimeoutEntry{JobID: 10, StartTime: "2024-01-01T00:00:00Z", Timeout: 90}))
	require.NoError(t, c.HSet(ctx, "timeoutConfigs", "2", model.TimeoutEntry{JobID: 20, StartTime: "2024-01-01T00:00:00Z", Timeout: 45}))

	entries, err := c.HGetAll(ctx, "timeoutConfigs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Contains(t, entries, "1")
	require.Contains(t, entries, "2")
}

func TestSetWithTTL(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t, "kv3_")

	require.NoError(t, c.SetWithTTL(ctx, "deleted_777_8609", "", 2*time.Second))

	rdb, err := component.NewRedisClient(ctx)
	require.NoError(t, err)

	ttl, err := rdb.TTL(ctx, "kv3_deleted_777_8609").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 2*time.Second)
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationClient(t, "kv4_")

	mine := []byte("holder-a")
	theirs := []byte("holder-b")

	ok, err := c.AcquireLease(ctx, "scheduler:master", mine, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// second holder cannot take a held lease
	ok, err = c.AcquireLease(ctx, "scheduler:master", theirs, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// only the holder renews
	ok, err = c.RenewLease(ctx, "scheduler:master", mine, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.RenewLease(ctx, "scheduler:master", theirs, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// releasing someone else's lease is a no-op
	require.NoError(t, c.ReleaseLease(ctx, "scheduler:master", theirs))
	ok, err = c.RenewLease(ctx, "scheduler:master", mine, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.ReleaseLease(ctx, "scheduler:master", mine))
	ok, err = c.AcquireLease(ctx, "scheduler:master", theirs, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
