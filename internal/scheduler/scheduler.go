// Package scheduler runs the delayed-queue machinery: a lease-elected master
// promotes matured periodicBuilds and frozenBuilds items into their ready
// queues, and a bounded worker pool dispatches the ready items back into the
// broker.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/screwdriver-cd/queue-broker/internal/breaker"
	"github.com/screwdriver-cd/queue-broker/internal/broker"
	"github.com/screwdriver-cd/queue-broker/internal/config"
	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/internal/queue"
	"github.com/screwdriver-cd/queue-broker/model"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	masterLeaseKey  = "scheduler:master"
	timeoutSweep    = time.Minute
	promoteBatchMax = 100
)

// Queue is the subset of the queue client the scheduler drives.
type Queue interface {
	Connected() bool
	Connect(ctx context.Context) error
	Pop(ctx context.Context, queue string) (*queue.Item, error)
	PromoteDue(ctx context.Context, queue string, now time.Time, max int) (int, error)
}

// Lease is the subset of the KV client used for master election and config
// reads.
type Lease interface {
	Connected() bool
	Connect(ctx context.Context) error
	HGet(ctx context.Context, hash, field string, dest any) (bool, error)
	AcquireLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string, value []byte) error
}

// PeriodicRunner fires a matured periodic job. Satisfied by the broker.
type PeriodicRunner interface {
	StartPeriodic(ctx context.Context, cfg model.PeriodicConfig) error
}

// FrozenRunner fires a matured frozen build. Satisfied by the broker.
type FrozenRunner interface {
	StartFrozen(ctx context.Context, cfg model.BuildConfig) error
}

// TimeoutChecker expires overdue builds. Satisfied by the broker.
type TimeoutChecker interface {
	CheckTimeouts(ctx context.Context) error
}

// leasePayload identifies the current master.
type leasePayload struct {
	HolderID   string    `msgpack:"holderId"`
	AcquiredAt time.Time `msgpack:"acquiredAt"`
}

type Scheduler struct {
	q        Queue
	kv       Lease
	periodic PeriodicRunner
	frozen   FrozenRunner
	timeouts TimeoutChecker

	cfg     *config.SchedulerConfig
	breaker *breaker.Breaker

	id       string
	lease    []byte
	isMaster atomic.Bool

	tokens chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(q Queue, kv Lease, periodic PeriodicRunner, frozen FrozenRunner, timeouts TimeoutChecker, cfg *config.SchedulerConfig) (*Scheduler, error) {
	id := uuid.NewString()
	lease, err := msgpack.Marshal(leasePayload{HolderID: id, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		q:        q,
		kv:       kv,
		periodic: periodic,
		frozen:   frozen,
		timeouts: timeouts,
		cfg:      cfg,
		breaker:  breaker.New(breaker.Options{Retries: 3, RetryDelay: 5 * time.Second}),
		id:       id,
		lease:    lease,
		tokens:   make(chan struct{}, cfg.MaxTaskProcessors),
	}, nil
}

// Run starts the election loop, the promotion loop, the timeout sweep and
// one dispatch loop per delayed queue. It returns once everything is up.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.q.Connected() {
		if err := s.q.Connect(ctx); err != nil {
			return err
		}
	}
	if !s.kv.Connected() {
		if err := s.kv.Connect(ctx); err != nil {
			return err
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	logger.Log.Info().Str("schedulerId", s.id).Msg("start")

	s.wg.Add(3)
	go s.electLoop(ctx)
	go s.promoteLoop(ctx)
	go s.sweepLoop(ctx)

	for _, q := range []string{queue.PeriodicBuilds, queue.FrozenBuilds} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatchLoop(ctx, q)
		}()
	}
	return nil
}

// CleanUp cancels the workers and the scheduler loops together, waits for
// all of them to return, and then releases the master lease if held. The
// queue client is not closed.
func (s *Scheduler) CleanUp(ctx context.Context) {
	logger.Log.Info().Str("schedulerId", s.id).Msg("cleaning_worker")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.isMaster.Load() {
		if err := s.kv.ReleaseLease(ctx, masterLeaseKey, s.lease); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to release master lease")
		}
	}
	logger.Log.Info().Str("schedulerId", s.id).Msg("end")
}

func (s *Scheduler) leaseTTL() time.Duration {
	return time.Duration(s.cfg.MasterLeaseMs) * time.Millisecond
}

func (s *Scheduler) checkTimeout() time.Duration {
	return time.Duration(s.cfg.CheckTimeoutMs) * time.Millisecond
}

// electLoop acquires or renews the master lease at half its TTL.
func (s *Scheduler) electLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaseTTL() / 2)
	defer ticker.Stop()

	s.elect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.elect(ctx)
		}
	}
}

func (s *Scheduler) elect(ctx context.Context) {
	if s.isMaster.Load() {
		renewed, err := s.kv.RenewLease(ctx, masterLeaseKey, s.lease, s.leaseTTL())
		if err != nil {
			logger.Log.Warn().Err(err).Msg("master lease renewal failed")
			return
		}
		if !renewed {
			s.isMaster.Store(false)
			logger.Log.Info().Str("schedulerId", s.id).Msg("lost master lease")
		}
		return
	}

	acquired, err := s.kv.AcquireLease(ctx, masterLeaseKey, s.lease, s.leaseTTL())
	if err != nil {
		logger.Log.Warn().Err(err).Msg("master lease acquisition failed")
		return
	}
	if acquired {
		s.isMaster.Store(true)
		logger.Log.Info().Str("schedulerId", s.id).Msg("elected master")
	}
}

// promoteLoop moves matured delayed items into their ready queues. Master
// only, so a single process owns wall-clock transfer.
func (s *Scheduler) promoteLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.isMaster.Load() {
				continue
			}
			now := time.Now()
			for _, q := range []string{queue.PeriodicBuilds, queue.FrozenBuilds} {
				moved, err := s.q.PromoteDue(ctx, q, now, promoteBatchMax)
				if err != nil {
					logger.Log.Warn().Err(err).Str("queue", q).Msg("failed to promote due items")
					continue
				}
				if moved > 0 {
					logger.Log.Info().Str("queue", q).Int("moved", moved).Msg("promoted due items")
				}
			}
		}
	}
}

// sweepLoop expires overdue builds once a minute on the master.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(timeoutSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.isMaster.Load() {
				continue
			}
			if err := s.timeouts.CheckTimeouts(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

// dispatchLoop pops ready items and hands them to the worker pool.
func (s *Scheduler) dispatchLoop(ctx context.Context, queueName string) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := s.q.Pop(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Warn().Err(err).Str("queue", queueName).Msg("failed to pop queue item")
			s.sleep(ctx, s.checkTimeout())
			continue
		}
		if item == nil {
			s.sleep(ctx, s.checkTimeout())
			continue
		}

		select {
		case <-ctx.Done():
			return
		case s.tokens <- struct{}{}:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.tokens }()
			s.handle(ctx, queueName, item)
		}()
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Scheduler) handle(ctx context.Context, queueName string, item *queue.Item) {
	log := logger.Log.With().Str("queue", queueName).Str("jobName", item.JobName).Logger()

	var args model.JobArgs
	if err := json.Unmarshal(item.Args, &args); err != nil {
		log.Error().Err(err).Msg("internalError")
		return
	}
	log = log.With().Int64("jobId", args.JobID).Logger()
	ctx = logger.WithContext(ctx, log)
	log.Info().Msg("job")

	err := s.breaker.Run(ctx, func(ctx context.Context) error {
		switch item.JobName {
		case queue.JobStartDelayed:
			return s.handleStartDelayed(ctx, args.JobID)
		case queue.JobStartFrozen:
			return s.handleStartFrozen(ctx, args.JobID)
		default:
			log.Warn().Msg("unknown job name")
			return nil
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failure")
		return
	}
	log.Info().Msg("success")
}

// handleStartDelayed fires a matured periodic job: it re-reads the stored
// definition and runs StartPeriodic with triggerBuild set, which posts the
// event and schedules the next firing.
func (s *Scheduler) handleStartDelayed(ctx context.Context, jobID int64) error {
	var cfg model.PeriodicConfig
	found, err := s.kv.HGet(ctx, broker.HashPeriodicBuildConfigs, strconv.FormatInt(jobID, 10), &cfg)
	if err != nil {
		return err
	}
	if !found {
		// definition removed between scheduling and firing; nothing to do
		log := logger.FromContext(ctx)
		log.Info().Msg("no periodic config, skipping")
		return nil
	}
	cfg.TriggerBuild = true
	cfg.IsUpdate = false
	return s.periodic.StartPeriodic(ctx, cfg)
}

// handleStartFrozen fires a matured frozen build.
func (s *Scheduler) handleStartFrozen(ctx context.Context, jobID int64) error {
	var cfg model.BuildConfig
	found, err := s.kv.HGet(ctx, broker.HashFrozenBuildConfigs, strconv.FormatInt(jobID, 10), &cfg)
	if err != nil {
		return err
	}
	if !found {
		log := logger.FromContext(ctx)
		log.Info().Msg("no frozen config, skipping")
		return nil
	}
	return s.frozen.StartFrozen(ctx, cfg)
}
