// Package queue implements the durable work queue on redis: one ready list
// per queue name plus a scored delayed index. Items are matched by their
// canonical JSON encoding, so Delete and the duplicate check compare the
// exact bytes Enqueue wrote.
package queue

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

// ErrDuplicateScheduled reports that an identical item already sits in the
// delayed index at the same timestamp. Callers treat it as the
// de-duplication signal, not a failure.
var ErrDuplicateScheduled = errors.New("queue: item already scheduled at this timestamp")

const (
	Builds         = "builds"
	PeriodicBuilds = "periodicBuilds"
	FrozenBuilds   = "frozenBuilds"

	JobStart        = "start"
	JobStop         = "stop"
	JobStartDelayed = "startDelayed"
	JobStartFrozen  = "startFrozen"
)

// Item is the unit of work handed to workers.
type Item struct {
	JobName string          `json:"jobName"`
	Args    json.RawMessage `json:"args"`
}

type Client struct {
	mu     sync.Mutex
	client *redis.Client
	prefix string
}

func NewClient(prefix string) *Client {
	return &Client{prefix: prefix}
}

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
		return nil, errors.New("queue client is not connected")
	}
	return c.client, nil
}

func (c *Client) readyKey(queue string) string {
	return c.prefix + queue
}

func (c *Client) delayedKey(queue string) string {
	return c.prefix + queue + ":delayed"
}

// encode produces the canonical item bytes: struct fields in declaration
// order, map keys sorted by encoding/json.
func encode(jobName string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}
	return json.Marshal(Item{JobName: jobName, Args: raw})
}

func (c *Client) Enqueue(ctx context.Context, queue, jobName string, args any) error {
	ctx, span := tracing.Start(ctx, "Queue/Enqueue")
	defer span.End()
	span.AddEvent("queue.context",
		trace.WithAttributes(attribute.String("queue", queue), attribute.String("jobName", jobName)),
	)

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	b, err := encode(jobName, args)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := rdb.LPush(ctx, c.readyKey(queue), b).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// EnqueueAt inserts the item into the delayed index at ts. An identical item
// at the exact same timestamp yields ErrDuplicateScheduled; an identical
// item at another timestamp has its timestamp moved.
func (c *Client) EnqueueAt(ctx context.Context, ts time.Time, queue, jobName string, args any) error {
	ctx, span := tracing.Start(ctx, "Queue/EnqueueAt")
	defer span.End()
	span.AddEvent("queue.context",
		trace.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("jobName", jobName),
			attribute.Int64("ts", ts.UnixMilli()),
		),
	)

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	b, err := encode(jobName, args)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	score := float64(ts.UnixMilli())
	cur, err := rdb.ZScore(ctx, c.delayedKey(queue), string(b)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		util.RecordSpanError(span, err)
		return err
	}
	if err == nil && cur == score {
		return ErrDuplicateScheduled
	}

	if err := rdb.ZAdd(ctx, c.delayedKey(queue), redis.Z{Score: score, Member: string(b)}).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// Delete removes matching items from the ready queue and returns the count.
func (c *Client) Delete(ctx context.Context, queue, jobName string, args any) (int64, error) {
	ctx, span := tracing.Start(ctx, "Queue/Delete")
	defer span.End()

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	b, err := encode(jobName, args)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	n, err := rdb.LRem(ctx, c.readyKey(queue), 0, string(b)).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return n, nil
}

// DeleteDelayed removes matching items from the delayed index and returns
// the count.
func (c *Client) DeleteDelayed(ctx context.Context, queue, jobName string, args any) (int64, error) {
	ctx, span := tracing.Start(ctx, "Queue/DeleteDelayed")
	defer span.End()

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	b, err := encode(jobName, args)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	n, err := rdb.ZRem(ctx, c.delayedKey(queue), string(b)).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return n, nil
}

// PromoteDue moves items whose timestamp is at or before now from the
// delayed index onto the ready queue. Only the master scheduler calls this.
func (c *Client) PromoteDue(ctx context.Context, queue string, now time.Time, max int) (int, error) {
	ctx, span := tracing.Start(ctx, "Queue/PromoteDue")
	defer span.End()

	rdb, err := c.rdb()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	if max <= 0 {
		max = 100
	}
	members, err := rdb.ZRangeByScore(ctx, c.delayedKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  int64(max),
	}).Result()
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}

	moved := 0
	for _, m := range members {
		// ZRem first so a concurrent promoter cannot double-enqueue.
		removed, err := rdb.ZRem(ctx, c.delayedKey(queue), m).Result()
		if err != nil {
			util.RecordSpanError(span, err)
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := rdb.LPush(ctx, c.readyKey(queue), m).Err(); err != nil {
			util.RecordSpanError(span, err)
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Pop takes the next ready item, nil when the queue is empty.
func (c *Client) Pop(ctx context.Context, queue string) (*Item, error) {
	rdb, err := c.rdb()
	if err != nil {
		return nil, err
	}
	raw, err := rdb.RPop(ctx, c.readyKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("failed to decode queue item: %w", err)
	}
	return &item, nil
}
