// Package broker implements the build-queue command surface: it turns
// lifecycle commands from the control plane into durable queue items and
// stored configs, gated by freeze windows and the periodic scheduler.
package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/screwdriver-cd/queue-broker/internal/api"
	"github.com/screwdriver-cd/queue-broker/internal/breaker"
	"github.com/screwdriver-cd/queue-broker/internal/freeze"
	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/internal/queue"
	"github.com/screwdriver-cd/queue-broker/internal/util"
	"github.com/screwdriver-cd/queue-broker/model"
)

const (
	HashBuildConfigs         = "buildConfigs"
	HashPeriodicBuildConfigs = "periodicBuildConfigs"
	HashFrozenBuildConfigs   = "frozenBuildConfigs"
	HashTimeoutConfigs       = "timeoutConfigs"

	abortMarkerTTL = 1800 * time.Second

	forceStartMarker = "[force start]"

	statusFrozen  = "FROZEN"
	statusFailure = "FAILURE"

	jobStateEnabled  = "ENABLED"
	jobStateDisabled = "DISABLED"
)

// KV is the subset of the key/value store the broker writes through.
type KV interface {
	Connected() bool
	Connect(ctx context.Context) error
	HSet(ctx context.Context, hash, field string, value any) error
	HGet(ctx context.Context, hash, field string, dest any) (bool, error)
	HDel(ctx context.Context, hash, field string) error
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Queue is the subset of the work queue the broker writes through.
type Queue interface {
	Connected() bool
	Connect(ctx context.Context) error
	Enqueue(ctx context.Context, queue, jobName string, args any) error
	EnqueueAt(ctx context.Context, ts time.Time, queue, jobName string, args any) error
	Delete(ctx context.Context, queue, jobName string, args any) (int64, error)
	DeleteDelayed(ctx context.Context, queue, jobName string, args any) (int64, error)
}

// API is the outbound control-plane surface.
type API interface {
	PostEvent(ctx context.Context, apiURI, token string, req api.EventRequest) error
	UpdateBuildStatus(ctx context.Context, apiURI string, buildID int64, token, status, message string) error
	UpdateBuildStats(ctx context.Context, apiURI string, buildID int64, token string, stats map[string]any) error
}

// TokenGenerator mints pipeline-admin tokens for scheduler-triggered events.
type TokenGenerator interface {
	AdminToken(ctx context.Context, pipelineID int64) (string, error)
}

type Options struct {
	BreakerRetries int
}

type Broker struct {
	kv  KV
	q   Queue
	api API

	storeBreaker *breaker.Breaker
	queueBreaker *breaker.Breaker

	tokenMu  sync.Mutex
	tokenGen TokenGenerator

	now func() time.Time
}

func New(kvClient KV, qClient Queue, apiClient API, opts Options) *Broker {
	retries := opts.BreakerRetries
	if retries <= 0 {
		retries = 3
	}
	return &Broker{
		kv:           kvClient,
		q:            qClient,
		api:          apiClient,
		storeBreaker: breaker.New(breaker.Options{Retries: retries}),
		queueBreaker: breaker.New(breaker.Options{Retries: retries}),
		now:          time.Now,
	}
}

// UseTokenGenerator captures the token generator on first call. Later calls
// with a different generator are ignored; silent replacement is forbidden.
func (b *Broker) UseTokenGenerator(g TokenGenerator) {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()
	if b.tokenGen != nil {
		logger.Log.Warn().Msg("token generator already captured, ignoring replacement")
		return
	}
	b.tokenGen = g
}

func (b *Broker) tokenGenerator() TokenGenerator {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()
	return b.tokenGen
}

func (b *Broker) ensureConnected(ctx context.Context) error {
	if !b.q.Connected() {
		if err := b.q.Connect(ctx); err != nil {
			return err
		}
	}
	if !b.kv.Connected() {
		if err := b.kv.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stats exposes the queue breaker's counters.
func (b *Broker) Stats() breaker.Stats {
	return b.queueBreaker.Stats()
}

func isForceStart(causeMessage string) bool {
	return strings.Contains(causeMessage, forceStartMarker)
}

// Start enqueues an immediate build, or defers it when its entry instant
// falls inside a freeze window.
func (b *Broker) Start(ctx context.Context, cfg model.BuildConfig) error {
	log := logger.ForBuild(ctx, cfg.BuildID, cfg.JobID)

	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	// Any stale frozen entry for the job is dropped first.
	if err := b.StopFrozen(ctx, cfg.JobID); err != nil {
		return err
	}

	if cfg.JobState == jobStateDisabled || cfg.JobArchived {
		return nil
	}

	now := b.now()
	wakeAt, malformed := freeze.TimeOutOfWindows(cfg.FreezeWindows, now)
	for _, winErr := range malformed {
		log.Warn().Err(winErr).Msg("skipping malformed freeze window")
	}

	if wakeAt.After(now) && !isForceStart(cfg.CauseMessage) {
		return b.startFrozenPath(ctx, cfg, wakeAt)
	}

	cfg.EnqueueTime = now
	err := b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.HSet(ctx, HashBuildConfigs, strconv.FormatInt(cfg.BuildID, 10), cfg)
	})
	if err != nil {
		return err
	}

	err = b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		return b.q.Enqueue(ctx, queue.Builds, queue.JobStart, model.StartArgs{
			BuildID:   cfg.BuildID,
			JobID:     cfg.JobID,
			BlockedBy: model.CSV(cfg.BlockedBy),
		})
	})
	if err != nil {
		return err
	}

	if cfg.Build != nil && cfg.Build.Stats != nil {
		stats := make(map[string]any, len(cfg.Build.Stats)+1)
		for k, v := range cfg.Build.Stats {
			stats[k] = v
		}
		stats["queueEnterTime"] = now.UTC().Format(time.RFC3339)
		if err := b.api.UpdateBuildStats(ctx, cfg.APIURI, cfg.BuildID, cfg.Token, stats); err != nil {
			log.Warn().Err(err).Msg("failed to update build stats")
		}
	}
	return nil
}

// startFrozenPath defers the build: status update (best effort), collapse any
// prior delayed entry, store the config, schedule the wake-up.
func (b *Broker) startFrozenPath(ctx context.Context, cfg model.BuildConfig, wakeAt time.Time) error {
	log := logger.ForBuild(ctx, cfg.BuildID, cfg.JobID)

	message := "Blocked by freeze window, re-enqueued to " + wakeAt.UTC().Format(time.RFC3339)
	if err := b.api.UpdateBuildStatus(ctx, cfg.APIURI, cfg.BuildID, cfg.Token, statusFrozen, message); err != nil {
		log.Warn().Err(err).Msg("failed to update build status to FROZEN")
	}

	jobField := strconv.FormatInt(cfg.JobID, 10)
	args := model.JobArgs{JobID: cfg.JobID}

	err := b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		_, err := b.q.DeleteDelayed(ctx, queue.FrozenBuilds, queue.JobStartFrozen, args)
		return err
	})
	if err != nil {
		return err
	}

	err = b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.HSet(ctx, HashFrozenBuildConfigs, jobField, cfg)
	})
	if err != nil {
		return err
	}

	return b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		err := b.q.EnqueueAt(ctx, wakeAt, queue.FrozenBuilds, queue.JobStartFrozen, args)
		if err == queue.ErrDuplicateScheduled {
			return nil
		}
		return err
	})
}

// Stop cancels a queued build or requests a stop of a started one. The stop
// item is enqueued unconditionally; started tells the worker which case it is.
func (b *Broker) Stop(ctx context.Context, cfg model.StopConfig) error {
	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	var numDeleted int64
	err := b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		n, err := b.q.Delete(ctx, queue.Builds, queue.JobStart, model.StartArgs{
			BuildID:   cfg.BuildID,
			JobID:     cfg.JobID,
			BlockedBy: model.CSV(cfg.BlockedBy),
		})
		if err != nil {
			return err
		}
		numDeleted = n
		return nil
	})
	if err != nil {
		return err
	}

	err = b.storeBreaker.Run(ctx, func(ctx context.Context) error {
		return b.kv.SetWithTTL(ctx, util.GetAbortKey(cfg.JobID, cfg.BuildID), "", abortMarkerTTL)
	})
	if err != nil {
		return err
	}

	return b.queueBreaker.Run(ctx, func(ctx context.Context) error {
		return b.q.Enqueue(ctx, queue.Builds, queue.JobStop, model.StopArgs{
			BuildID:   cfg.BuildID,
			JobID:     cfg.JobID,
			BlockedBy: model.CSV(cfg.BlockedBy),
			Started:   numDeleted == 0,
		})
	})
}
