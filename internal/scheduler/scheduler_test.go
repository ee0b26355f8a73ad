package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-batch/internal/store/memory"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const period = 10 * time.Second

type call struct {
	name string
	args types.Args
}

type fakeRunner struct {
	calls chan call
}

func (f *fakeRunner) RunJob(ctx context.Context, name string, args types.Args) (*types.JobRun, error) {
	f.calls <- call{name: name, args: args}
	return &types.JobRun{ID: "jr", JobName: name, Args: args}, nil
}

type jobs map[string]pipeline.Job

func (j jobs) Job(name string) (pipeline.Job, bool) {
	job, ok := j[name]
	return job, ok
}

func knownJobs(names ...string) jobs {
	out := jobs{}
	for _, n := range names {
		out[n] = pipeline.NewJob(n, pipeline.SimpleStep("a", func(*pipeline.StepContext) error { return nil }))
	}
	return out
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleeps) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixture struct {
	store  *memory.Store
	runner *fakeRunner
	sleeps *sleeps
	pool   *worker.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := worker.NewPool(16)
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)
	return &fixture{
		store:  memory.New(),
		runner: &fakeRunner{calls: make(chan call, 16)},
		sleeps: &sleeps{},
		pool:   pool,
	}
}

func (f *fixture) scheduler(t *testing.T, nodeStart time.Time, entries ...Entry) *Scheduler {
	t.Helper()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.JobName)
	}
	s, err := New(f.store, knownJobs(names...), f.runner, f.pool, period, entries, WithSleep(f.sleeps.sleep))
	require.NoError(t, err)
	require.NoError(t, s.Initialise(context.Background(), nodeStart))
	return s
}

func (f *fixture) expectFire(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.runner.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a scheduled run")
		return call{}
	}
}

func (f *fixture) expectNoFire(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.runner.calls:
		t.Fatalf("unexpected scheduled run of %s", c.name)
	case <-time.After(50 * time.Millisecond):
	}
}

func at(hms string) time.Time {
	t, err := time.Parse(time.DateTime, hms)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func tick(t *testing.T, s *Scheduler, now time.Time) {
	t.Helper()
	require.NoError(t, s.OnTick(context.Background(), now))
}

func TestCatchUpAfterMidnight(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, at("2024-03-01 23:00:00"), Entry{JobName: "nightly", Cron: "0 0 * * *", Args: types.Args{"region": "eu"}})

	tick(t, s, at("2024-03-01 23:59:40"))
	f.expectNoFire(t)

	tick(t, s, at("2024-03-02 00:00:09"))
	c := f.expectFire(t)
	assert.Equal(t, "nightly", c.name)
	assert.Equal(t, "eu", c.args.String("region"))
	startedAt, ok := c.args.Time(types.ArgStartedAt)
	require.True(t, ok)
	assert.Equal(t, at("2024-03-02 00:00:00"), startedAt)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps.all())

	tick(t, s, at("2024-03-02 00:00:19"))
	f.expectNoFire(t)

	state, err := f.store.GetScheduleState(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, at("2024-03-02 00:00:00"), state.LastFireTimeProcessed)
}

func TestFireWithinUpcomingTick(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, at("2024-03-01 23:00:00"), Entry{JobName: "nightly", Cron: "@daily"})

	tick(t, s, at("2024-03-01 23:59:55"))
	f.expectFire(t)
	assert.Equal(t, []time.Duration{6 * time.Second}, f.sleeps.all())

	tick(t, s, at("2024-03-02 00:00:05"))
	tick(t, s, at("2024-03-02 00:00:15"))
	f.expectNoFire(t)
}

func TestFireTimeTooFarBehindIsSkipped(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, at("2024-03-01 23:00:00"), Entry{JobName: "nightly", Cron: "0 0 * * *"})

	// 觸發點已超過 3P
	tick(t, s, at("2024-03-02 00:00:31"))
	f.expectNoFire(t)
}

func TestStoredStateFromOtherLeaderIsAdopted(t *testing.T) {
	f := newFixture(t)
	entry := Entry{JobName: "nightly", Cron: "0 0 * * *"}
	stale := f.scheduler(t, at("2024-03-01 23:00:00"), entry)

	// 前任 leader 已經處理過 00:00
	require.NoError(t, f.store.SaveScheduleState(context.Background(), types.ScheduleState{
		JobName:               "nightly",
		LastFireTimeProcessed: at("2024-03-02 00:00:00"),
	}))

	tick(t, stale, at("2024-03-02 00:00:09"))
	f.expectNoFire(t)
}

func TestInitialiseLoadsExistingState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveScheduleState(context.Background(), types.ScheduleState{
		JobName:               "hourly",
		LastFireTimeProcessed: at("2024-03-01 11:00:00"),
	}))

	s := f.scheduler(t, at("2024-03-01 11:30:00"), Entry{JobName: "hourly", Cron: "@hourly"})
	require.Len(t, s.schedules, 1)
	assert.Equal(t, at("2024-03-01 11:00:00"), s.schedules[0].lastRunAt)
}

func TestInitialiseDefaultsToOnePeriodBeforeStart(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, at("2024-03-01 11:30:00"), Entry{JobName: "hourly", Cron: "@hourly"})

	state, err := f.store.GetScheduleState(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, at("2024-03-01 11:29:50"), state.LastFireTimeProcessed)
	assert.Equal(t, at("2024-03-01 11:29:50"), s.schedules[0].lastRunAt)
}

func TestSeveralSchedules(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, at("2024-03-01 11:00:00"),
		Entry{JobName: "every-minute", Cron: "* * * * *"},
		Entry{JobName: "hourly", Cron: "0 * * * *"},
	)

	tick(t, s, at("2024-03-01 11:59:55"))
	got := map[string]bool{}
	got[f.expectFire(t).name] = true
	got[f.expectFire(t).name] = true
	assert.Equal(t, map[string]bool{"every-minute": true, "hourly": true}, got)
}

func TestPendingFiresLeaveWorkersFree(t *testing.T) {
	f := newFixture(t)
	pool := worker.NewPool(4)
	require.NoError(t, pool.Start(1))
	t.Cleanup(pool.Stop)

	release := make(chan struct{})
	var waiting atomic.Int32
	hold := func(ctx context.Context, d time.Duration) error {
		waiting.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	entries := []Entry{{JobName: "every-minute", Cron: "* * * * *"}, {JobName: "hourly", Cron: "0 * * * *"}}
	s, err := New(f.store, knownJobs("every-minute", "hourly"), f.runner, pool, period, entries, WithSleep(hold))
	require.NoError(t, err)
	require.NoError(t, s.Initialise(context.Background(), at("2024-03-01 11:00:00")))

	tick(t, s, at("2024-03-01 11:59:55"))
	require.Eventually(t, func() bool { return waiting.Load() == 2 }, time.Second, 5*time.Millisecond)

	// 兩個觸發都在等待，唯一的 worker 仍可執行其他任務
	fut, err := pool.Submit(worker.Task{ID: "batch-item", Run: func(context.Context) (any, error) { return "done", nil }})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)

	close(release)
	f.expectFire(t)
	f.expectFire(t)
	s.Wait()
}

func TestPendingFireDroppedOnCancel(t *testing.T) {
	f := newFixture(t)
	s, err := New(f.store, knownJobs("nightly"), f.runner, f.pool, period,
		[]Entry{{JobName: "nightly", Cron: "@daily"}}, WithSleep(sleepContext))
	require.NoError(t, err)
	require.NoError(t, s.Initialise(context.Background(), at("2024-03-01 23:00:00")))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.OnTick(ctx, at("2024-03-01 23:59:55")))
	cancel()
	s.Wait()
	f.expectNoFire(t)

	state, err := f.store.GetScheduleState(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, at("2024-03-02 00:00:00"), state.LastFireTimeProcessed)
}

func TestConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		known   jobs
		entries []Entry
	}{
		{"unknown job", knownJobs("a"), []Entry{{JobName: "b", Cron: "@daily"}}},
		{"bad expression", knownJobs("a"), []Entry{{JobName: "a", Cron: "61 * * * *"}}},
		{"seconds field", knownJobs("a"), []Entry{{JobName: "a", Cron: "0 0 0 * * *"}}},
		{"duplicate", knownJobs("a"), []Entry{{JobName: "a", Cron: "@daily"}, {JobName: "a", Cron: "@hourly"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(f.store, tt.known, f.runner, f.pool, period, tt.entries)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}
