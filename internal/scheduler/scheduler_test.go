package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/screwdriver-cd/queue-broker/internal/broker"
	"github.com/screwdriver-cd/queue-broker/internal/config"
	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/internal/queue"
	"github.com/screwdriver-cd/queue-broker/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("scheduler-test")
	os.Exit(m.Run())
}

type fakeSchedQueue struct {
	mu        sync.Mutex
	connected bool
	ready     map[string][]queue.Item
	promoted  map[string]int
}

func newFakeSchedQueue() *fakeSchedQueue {
	return &fakeSchedQueue{
		ready:    make(map[string][]queue.Item),
		promoted: make(map[string]int),
	}
}

func (f *fakeSchedQueue) Connected() bool                    { return f.connected }
func (f *fakeSchedQueue) Connect(ctx context.Context) error { f.connected = true; return nil }

func (f *fakeSchedQueue) Pop(ctx context.Context, q string) (*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.ready[q]
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0]
	f.ready[q] = items[1:]
	return &item, nil
}

func (f *fakeSchedQueue) PromoteDue(ctx context.Context, q string, now time.Time, max int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted[q]++
	return 0, nil
}

func (f *fakeSchedQueue) push(q, jobName string, jobID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args, _ := json.Marshal(model.JobArgs{JobID: jobID})
	f.ready[q] = append(f.ready[q], queue.Item{JobName: jobName, Args: args})
}

type fakeLease struct {
	mu        sync.Mutex
	connected bool
	leases    map[string][]byte
	hashes    map[string]map[string]string
}

func newFakeLease() *fakeLease {
	return &fakeLease{
		leases: make(map[string][]byte),
		hashes: make(map[string]map[string]string),
	}
}

func (f *fakeLease) Connected() bool                    { return f.connected }
func (f *fakeLease) Connect(ctx context.Context) error { f.connected = true; return nil }

func (f *fakeLease) HGet(ctx context.Context, hash, field string, dest any) (bool, error) {
	f.mu.Lock()
	raw, ok := f.hashes[hash][field]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), dest)
}

func (f *fakeLease) set(hash, field string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[hash] == nil {
		f.hashes[hash] = make(map[string]string)
	}
	b, _ := json.Marshal(value)
	f.hashes[hash][field] = string(b)
}

func (f *fakeLease) AcquireLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leases[key]; held {
		return false, nil
	}
	f.leases[key] = value
	return true, nil
}

func (f *fakeLease) RenewLease(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, held := f.leases[key]
	if !held || string(cur) != string(value) {
		return false, nil
	}
	return true, nil
}

func (f *fakeLease) ReleaseLease(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(f.leases[key]) == string(value) {
		delete(f.leases, key)
	}
	return nil
}

type recordingRunner struct {
	mu       sync.Mutex
	periodic []model.PeriodicConfig
	frozen   []model.BuildConfig
	sweeps   int
}

func (r *recordingRunner) StartPeriodic(ctx context.Context, cfg model.PeriodicConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodic = append(r.periodic, cfg)
	return nil
}

func (r *recordingRunner) StartFrozen(ctx context.Context, cfg model.BuildConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = append(r.frozen, cfg)
	return nil
}

func (r *recordingRunner) CheckTimeouts(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return nil
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		MinTaskProcessors: 1,
		MaxTaskProcessors: 10,
		CheckTimeoutMs:    10,
		MasterLeaseMs:     100,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSchedQueue, *fakeLease, *recordingRunner) {
	t.Helper()
	q := newFakeSchedQueue()
	kv := newFakeLease()
	runner := &recordingRunner{}
	s, err := New(q, kv, runner, runner, runner, testSchedulerConfig())
	require.NoError(t, err)
	return s, q, kv, runner
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_FiresMaturedPeriodicJob(t *testing.T) {
	s, q, kv, runner := newTestScheduler(t)

	cfg := model.PeriodicConfig{
		Pipeline: model.Pipeline{ID: 42},
		Job:      model.Job{ID: 1234, Name: "main", State: "ENABLED"},
	}
	kv.set(broker.HashPeriodicBuildConfigs, "1234", cfg)
	q.push(queue.PeriodicBuilds, queue.JobStartDelayed, 1234)

	require.NoError(t, s.Run(context.Background()))
	defer s.CleanUp(context.Background())

	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.periodic) == 1
	})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.True(t, runner.periodic[0].TriggerBuild)
	require.Equal(t, int64(1234), runner.periodic[0].Job.ID)
}

func TestScheduler_FiresMaturedFrozenBuild(t *testing.T) {
	s, q, kv, runner := newTestScheduler(t)

	cfg := model.BuildConfig{BuildID: 8609, JobID: 777, JobState: "ENABLED"}
	kv.set(broker.HashFrozenBuildConfigs, "777", cfg)
	q.push(queue.FrozenBuilds, queue.JobStartFrozen, 777)

	require.NoError(t, s.Run(context.Background()))
	defer s.CleanUp(context.Background())

	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.frozen) == 1 && runner.frozen[0].BuildID == 8609
	})
}

func TestScheduler_MissingConfigIsSkipped(t *testing.T) {
	s, q, _, runner := newTestScheduler(t)

	q.push(queue.PeriodicBuilds, queue.JobStartDelayed, 999)

	require.NoError(t, s.Run(context.Background()))
	defer s.CleanUp(context.Background())

	// the item drains without a firing
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.ready[queue.PeriodicBuilds]) == 0
	})
	time.Sleep(50 * time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Empty(t, runner.periodic)
}

func TestScheduler_MasterPromotesDueItems(t *testing.T) {
	s, q, _, _ := newTestScheduler(t)

	require.NoError(t, s.Run(context.Background()))
	defer s.CleanUp(context.Background())

	waitFor(t, func() bool { return s.isMaster.Load() })
	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.promoted[queue.PeriodicBuilds] > 0 && q.promoted[queue.FrozenBuilds] > 0
	})
}

func TestScheduler_OnlyOneMaster(t *testing.T) {
	q := newFakeSchedQueue()
	kv := newFakeLease()
	runner := &recordingRunner{}

	first, err := New(q, kv, runner, runner, runner, testSchedulerConfig())
	require.NoError(t, err)
	second, err := New(q, kv, runner, runner, runner, testSchedulerConfig())
	require.NoError(t, err)

	require.NoError(t, first.Run(context.Background()))
	defer first.CleanUp(context.Background())
	waitFor(t, func() bool { return first.isMaster.Load() })

	require.NoError(t, second.Run(context.Background()))
	defer second.CleanUp(context.Background())

	time.Sleep(300 * time.Millisecond)
	require.False(t, second.isMaster.Load())
}

func TestScheduler_ReleasesLeaseOnCleanUp(t *testing.T) {
	s, _, kv, _ := newTestScheduler(t)

	require.NoError(t, s.Run(context.Background()))
	waitFor(t, func() bool { return s.isMaster.Load() })

	s.CleanUp(context.Background())

	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, held := kv.leases[masterLeaseKey]
	require.False(t, held)
}

func TestScheduler_DistinctJobArgsRoundTrip(t *testing.T) {
	// the delayed item payload is exactly the jobId wrapper
	args, err := json.Marshal(model.JobArgs{JobID: 1234})
	require.NoError(t, err)
	require.JSONEq(t, `{"jobId":1234}`, string(args))

	var decoded model.JobArgs
	require.NoError(t, json.Unmarshal(args, &decoded))
	require.Equal(t, strconv.FormatInt(decoded.JobID, 10), "1234")
}
