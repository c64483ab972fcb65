// Package breaker wraps fallible calls with bounded retries and a circuit
// that trips after repeated exhausted calls and re-probes after a cooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without invoking the callee while the circuit
// is open.
var ErrBreakerOpen = errors.New("breaker: circuit is open")

type Options struct {
	Retries          int
	RetryDelay       time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

type Stats struct {
	Total         int64   `json:"total"`
	Timeouts      int64   `json:"timeouts"`
	Success       int64   `json:"success"`
	Failure       int64   `json:"failure"`
	Concurrent    int64   `json:"concurrent"`
	AverageTimeMs float64 `json:"averageTimeMs"`
	IsClosed      bool    `json:"isClosed"`
}

type Breaker struct {
	opts Options

	mu          sync.Mutex
	open        bool
	openedAt    time.Time
	consecutive int

	total       int64
	timeouts    int64
	success     int64
	failure     int64
	concurrent  int64
	totalTimeMs float64
}

func New(opts Options) *Breaker {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	return &Breaker{opts: opts}
}

// Run invokes fn with per-attempt timeouts and up to Retries retries on a
// fixed delay. While open it fails fast; once the cooldown has elapsed calls
// are let through as probes until one completes: a success closes the
// circuit, a failure reopens it for another cooldown.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.open && time.Since(b.openedAt) < b.opts.Cooldown {
		b.total++
		b.failure++
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	b.total++
	b.concurrent++
	b.mu.Unlock()

	start := time.Now()
	err := b.attempt(ctx, fn)
	elapsed := time.Since(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.concurrent--
	b.totalTimeMs += float64(elapsed.Milliseconds())

	if err != nil {
		b.failure++
		if errors.Is(err, context.DeadlineExceeded) {
			b.timeouts++
		}
		b.consecutive++
		if b.consecutive >= b.opts.FailureThreshold {
			b.open = true
			b.openedAt = time.Now()
		}
		return err
	}

	b.success++
	b.consecutive = 0
	b.open = false
	return nil
}

func (b *Breaker) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i <= b.opts.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.opts.RetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	avg := 0.0
	done := b.success + b.failure
	if done > 0 {
		avg = b.totalTimeMs / float64(done)
	}
	return Stats{
		Total:         b.total,
		Timeouts:      b.timeouts,
		Success:       b.success,
		Failure:       b.failure,
		Concurrent:    b.concurrent,
		AverageTimeMs: avg,
		IsClosed:      !b.open,
	}
}
