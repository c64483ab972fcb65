// Package redis hands out the process-wide redis client. The KV store, the
// queue and the scheduler all talk to the same instance, so they share one
// connection pool sized for the broker's worker count.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/screwdriver-cd/queue-broker/internal/config"
)

const (
	// enough connections for the scheduler's worker ceiling plus the web
	// surface and promotion loops
	poolSize     = 32
	minIdleConns = 4

	dialTimeout  = 2 * time.Second
	ioTimeout    = 3 * time.Second
	pingTimeout  = 5 * time.Second
	poolWaitTime = 1 * time.Second
)

var (
	client    *redis.Client
	once      sync.Once
	initError error
)

// NewRedisClient returns the shared client, dialing and pinging the store on
// first use. Queue and KV operations must not block forever on a wedged
// connection, so reads and writes carry their own timeouts; retries beyond
// that are the circuit breakers' job.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {

	once.Do(func() {
		cfg, err := config.GetRedisConfig()
		if err != nil {
			initError = err
			return
		}

		rc := redis.NewClient(&redis.Options{
			Addr:            cfg.URL,
			Password:        cfg.ClientPassword,
			DB:              cfg.Database,
			PoolSize:        poolSize,
			MinIdleConns:    minIdleConns,
			PoolTimeout:     poolWaitTime,
			DialTimeout:     dialTimeout,
			ReadTimeout:     ioTimeout,
			WriteTimeout:    ioTimeout,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 500 * time.Millisecond,
			ConnMaxIdleTime: 10 * time.Minute,
		})

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		if err := rc.Ping(pingCtx).Err(); err != nil {
			initError = fmt.Errorf("failed to connect to redis at %s: %w", cfg.URL, err)
			return
		}
		client = rc
	})

	return client, initError
}

// ResetRedisClient clears the singleton so tests can reconnect against a
// fresh endpoint.
func ResetRedisClient() {
	client = nil
	once = sync.Once{}
	initError = nil
}
