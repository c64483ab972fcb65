// Package kv wraps the shared redis client with the typed hash and string
// key operations the broker stores its state in.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	component "github.com/screwdriver-cd/queue-broker/internal/component/redis"
	"github.com/screwdriver-cd/queue-broker/internal/tracing"
	"github.com/screwdriver-cd/queue-broker/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	mu     sync.Mutex
	client *redis.Client
	prefix string
}

func NewClient(prefix string) *Client {
	return &Client{prefix: prefix}
}

// NewClientWith wires an already-connected redis client instead of dialing
// the shared component singleton on Connect.
func NewClientWith(rdb *redis.Client, prefix string) *Client {
	return &Client{client: rdb, prefix: prefix}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	rdb, err := component.NewRedisClient(ctx)
	if err != nil {
		return err
	}
	c.client = rdb
	return nil
}

func (c *Client) rdb() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("kv client is not connected")
	}
	return c.client, nil
}

func (c *Client) key(name string) string {
	return c.prefix + name
}

func (c *Client) HSet(ctx context.Context, hash, field string, value any) error {
	ctx, span := tracing.Start(ctx, "KV/HSet")
	defer span.End()
	span.AddEvent("kv.context",
		trace.WithAttributes(attribute.String("hash", hash), attribute.String("field", field)),
	)

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if field == "" {
		err := fmt.Errorf("field cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("failed to marshal value for %s/%s: %w", hash, field, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := rdb.HSet(ctx, c.key(hash), field, b).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// HGet reads hash/field into dest, which must be a non-nil pointer. The
// second return is false when the field does not exist.
func (c *Client) HGet(ctx context.Context, hash, field string, dest any) (bool, error) {
	ctx, span := tracing.Start(ctx, "KV/HGet")
	defer span.End()
	span.AddEvent("kv.context",
		trace.WithAttributes(attribute.String("hash", hash), attribute.String("field", field)),
	)

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	val, err := rdb.HGet(ctx, c.key(hash), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		err = fmt.Errorf("failed to retrieve %s/%s: %w", hash, field, err)
		util.RecordSpanError(span, err)
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		err = fmt.Errorf("failed to unmarshal %s/%s: %w", hash, field, err)
		util.RecordSpanError(span, err)
		return false, err
	}
	return true, nil
}

func (c *Client) HDel(ctx context.Context, hash, field string) error {
	ctx, span := tracing.Start(ctx, "KV/HDel")
	defer span.End()

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := rdb.HDel(ctx, c.key(hash), field).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (c *Client) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	ctx, span := tracing.Start(ctx, "KV/HGetAll")
	defer span.End()

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	entries, err := rdb.HGetAll(ctx, c.key(hash)).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return entries, nil
}

// SetWithTTL writes a plain string key that expires after ttl.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := tracing.Start(ctx, "KV/SetWithTTL")
	defer span.End()
	span.AddEvent("kv.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// AcquireLease takes key with SET NX PX semantics. It returns true when this
// caller now holds the lease.
func (c *Client) AcquireLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	rdb, err := c.rdb()
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, c.key(key), value, ttl).Result()
}

// RenewLease extends the lease only while value still matches the holder.
func (c *Client) RenewLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	rdb, err := c.rdb()
	if err != nil {
		return false, err
	}
	cur, err := rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(cur) != string(value) {
		return false, nil
	}
	return rdb.Expire(ctx, c.key(key), ttl).Result()
}

func (c *Client) ReleaseLease(ctx context.Context, key string, value []byte) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	cur, err := rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(cur) != string(value) {
		return nil
	}
	return rdb.Del(ctx, c.key(key)).Err()
}
