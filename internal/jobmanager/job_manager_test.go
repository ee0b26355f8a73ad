package jobmanager

import (
	"context"
	"errors"
	"fmt"
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

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func noop(sc *pipeline.StepContext) error { return nil }

func shards(n int) func(types.Args) ([]types.Args, error) {
	return func(types.Args) ([]types.Args, error) {
		out := make([]types.Args, n)
		for i := range out {
			out[i] = types.Args{"shard": i}
		}
		return out, nil
	}
}

// etlJob 三個步驟：extract（3 分區）→ transform → load
func etlJob(completions *atomic.Int32) *pipeline.Definition {
	return pipeline.NewJob("etl",
		pipeline.WithPartitions(pipeline.SimpleStep("extract", noop), shards(3)),
		pipeline.SimpleStep("transform", noop),
		pipeline.SimpleStep("load", noop),
	).WithOnComplete(func(ctx context.Context, args types.Args) error {
		if completions != nil {
			completions.Add(1)
		}
		return nil
	})
}

type fixture struct {
	store   *memory.Store
	manager *JobManager
}

func newFixture(t *testing.T, jobs ...pipeline.Job) *fixture {
	t.Helper()
	reg, err := NewRegistry(jobs...)
	require.NoError(t, err)

	pool := worker.NewPool(16)
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)

	st := memory.New()
	m := NewJobManager(st, reg, pool, WithClock(func() time.Time { return t0 }))
	require.NoError(t, m.Initialise(context.Background()))
	return &fixture{store: st, manager: m}
}

func (f *fixture) stepRuns(t *testing.T, jobRunID, step string) []*types.StepRun {
	t.Helper()
	runs, err := f.store.ListStepRuns(context.Background(), jobRunID, step)
	require.NoError(t, err)
	return runs
}

func (f *fixture) jobRun(t *testing.T, id string) *types.JobRun {
	t.Helper()
	jr, err := f.store.GetJobRun(context.Background(), id)
	require.NoError(t, err)
	return jr
}

// setStatuses 依分區順序設定步驟狀態
func (f *fixture) setStatuses(t *testing.T, jobRunID, step string, statuses ...types.Status) {
	t.Helper()
	runs := f.stepRuns(t, jobRunID, step)
	require.Len(t, runs, len(statuses))
	for i, sr := range runs {
		sr.Status = statuses[i]
		if statuses[i] == types.StatusFailed {
			sr.Error = fmt.Sprintf("partition %d broke", i)
		}
		require.NoError(t, f.store.UpdateStepRun(context.Background(), sr))
	}
}

func (f *fixture) evaluate(t *testing.T, id string) error {
	t.Helper()
	return f.manager.Evaluate(context.Background(), f.jobRun(t, id), t0)
}

// assertJobRunStatus asserts job run status
func assertJobRunStatus(t *testing.T, f *fixture, id string, want types.Status) {
	t.Helper()
	assert.Equal(t, want, f.jobRun(t, id).Status)
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		jobs []pipeline.Job
	}{
		{"empty name", []pipeline.Job{pipeline.NewJob("", pipeline.SimpleStep("a", noop))}},
		{"duplicate job", []pipeline.Job{
			pipeline.NewJob("j", pipeline.SimpleStep("a", noop)),
			pipeline.NewJob("j", pipeline.SimpleStep("a", noop)),
		}},
		{"empty pipeline", []pipeline.Job{pipeline.NewJob("j")}},
		{"duplicate step", []pipeline.Job{pipeline.NewJob("j", pipeline.SimpleStep("a", noop), pipeline.SimpleStep("a", noop))}},
		{"unnamed step", []pipeline.Job{pipeline.NewJob("j", pipeline.SimpleStep("", noop))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.jobs...)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(etlJob(nil), pipeline.NewJob("other", pipeline.SimpleStep("only", noop)))
	require.NoError(t, err)

	assert.Equal(t, []string{"etl", "other"}, reg.Names())

	d, err := reg.ResolveStep("etl", "extract")
	require.NoError(t, err)
	assert.Equal(t, pipeline.KindSimple, d.Kind)
	assert.NotNil(t, d.Partitioner)

	_, err = reg.ResolveStep("etl", "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = reg.ResolveStep("nope", "extract")
	assert.ErrorIs(t, err, types.ErrNotFound)

	next, ok, err := reg.nextStep("etl", "transform")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "load", next.Name)

	_, ok, err = reg.nextStep("etl", "load")
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// 完成判定
// ============================================================================

func statuses(ss ...types.Status) []*types.StepRun {
	out := make([]*types.StepRun, len(ss))
	for i, s := range ss {
		out[i] = &types.StepRun{Status: s}
	}
	return out
}

func TestStepOutcome(t *testing.T) {
	const (
		N = types.StatusNew
		R = types.StatusRunning
		C = types.StatusComplete
		F = types.StatusFailed
	)
	tests := []struct {
		name       string
		runs       []*types.StepRun
		partitions int
		complete   bool
		failed     bool
	}{
		{"partitioned pending", statuses(C, C, N), 3, false, false},
		{"partitioned complete", statuses(C, C, C), 3, true, false},
		{"partitioned failed", statuses(C, C, F), 3, false, true},
		{"partitioned failure still running", statuses(C, F, R), 3, false, false},
		{"single complete", statuses(C), 0, true, false},
		{"single failed", statuses(F), 0, false, true},
		{"single running", statuses(R), 0, false, false},
		{"unpartitioned with extra rows", statuses(C, C), 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := StepOutcome(tt.runs, tt.partitions)
			assert.Equal(t, tt.complete, o.Complete)
			assert.Equal(t, tt.failed, o.HasFailed)
		})
	}
}

// ============================================================================
// RunJob / Dispatch
// ============================================================================

func TestRunJobUnknown(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	_, err := f.manager.RunJob(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRunJobDispatchesPartitionedFirstStep(t *testing.T) {
	f := newFixture(t, etlJob(nil))

	jr, err := f.manager.RunJob(context.Background(), "etl", types.Args{"date": "2024-03-01"})
	require.NoError(t, err)

	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusRunning, stored.Status)
	assert.Equal(t, "extract", stored.CurrentStepName)
	assert.Equal(t, 3, stored.CurrentStepPartitionCount)
	assert.Equal(t, t0, stored.StartedAt)

	runs := f.stepRuns(t, jr.ID, "extract")
	require.Len(t, runs, 3)
	for i, sr := range runs {
		assert.Equal(t, types.StatusNew, sr.Status)
		assert.False(t, sr.Claimed)
		require.NotNil(t, sr.Partition)
		assert.Equal(t, i, sr.Partition.Num)
		assert.Equal(t, 3, sr.Partition.Total)
		assert.Equal(t, "2024-03-01", sr.Args.String("date"))
	}
}

func TestRunJobOnStartFailure(t *testing.T) {
	job := pipeline.NewJob("broken", pipeline.SimpleStep("a", noop)).
		WithOnStart(func(ctx context.Context, args types.Args) error { return errors.New("no credentials") })
	f := newFixture(t, job)

	jr, err := f.manager.RunJob(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")

	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "no credentials")
	assert.Empty(t, f.stepRuns(t, jr.ID, ""))
}

func TestRunJobSinglePartitionIsInvariantViolation(t *testing.T) {
	job := pipeline.NewJob("lonely", pipeline.WithPartitions(pipeline.SimpleStep("a", noop), shards(1)))
	f := newFixture(t, job)

	jr, err := f.manager.RunJob(context.Background(), "lonely", nil)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
	assertJobRunStatus(t, f, jr.ID, types.StatusFailed)
}

func TestZeroPartitionsRunsUnpartitioned(t *testing.T) {
	job := pipeline.NewJob("flex", pipeline.WithPartitions(pipeline.SimpleStep("a", noop), shards(0)))
	f := newFixture(t, job)

	jr, err := f.manager.RunJob(context.Background(), "flex", nil)
	require.NoError(t, err)

	runs := f.stepRuns(t, jr.ID, "a")
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Partition)
	assert.Equal(t, 0, f.jobRun(t, jr.ID).CurrentStepPartitionCount)
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	ctx := context.Background()

	jr, err := f.manager.RunJob(ctx, "etl", nil)
	require.NoError(t, err)
	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusNew, types.StatusNew)

	step, err := f.manager.Registry().ResolveStep("etl", "extract")
	require.NoError(t, err)
	require.NoError(t, f.manager.Dispatch(ctx, step, jr.Args, f.jobRun(t, jr.ID)))

	assert.Len(t, f.stepRuns(t, jr.ID, "extract"), 3)
	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, 3, stored.CurrentStepPartitionCount)
	assert.Equal(t, 1, stored.CurrentStepPartitionsCompletedCount)
}

// flakyStore 讓 CreateStepRuns 失敗指定次數
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *flakyStore) CreateStepRuns(ctx context.Context, runs []*types.StepRun) error {
	if s.failures.Add(-1) >= 0 {
		return fmt.Errorf("store/flaky: create step runs: %w", types.ErrStore)
	}
	return s.Store.CreateStepRuns(ctx, runs)
}

func TestDispatchRecoversAfterStoreError(t *testing.T) {
	reg, err := NewRegistry(etlJob(nil))
	require.NoError(t, err)
	pool := worker.NewPool(16)
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)

	st := &flakyStore{Store: memory.New()}
	m := NewJobManager(st, reg, pool, WithClock(func() time.Time { return t0 }))
	f := &fixture{store: st.Store, manager: m}
	ctx := context.Background()

	jr, err := m.RunJob(ctx, "etl", nil)
	require.NoError(t, err)
	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusComplete, types.StatusComplete)

	// 分派 transform 時 JobRun 已更新，StepRun 寫入失敗
	st.failures.Store(1)
	err = f.evaluate(t, jr.ID)
	require.ErrorIs(t, err, types.ErrStore)
	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusRunning, stored.Status)
	assert.Equal(t, "transform", stored.CurrentStepName)
	assert.Empty(t, f.stepRuns(t, jr.ID, "transform"))

	// 下一次心跳重新分派
	require.NoError(t, f.evaluate(t, jr.ID))
	require.Len(t, f.stepRuns(t, jr.ID, "transform"), 1)

	f.setStatuses(t, jr.ID, "transform", types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	assert.Equal(t, "load", f.jobRun(t, jr.ID).CurrentStepName)

	f.setStatuses(t, jr.ID, "load", types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	assertJobRunStatus(t, f, jr.ID, types.StatusComplete)
}

// ============================================================================
// Evaluate
// ============================================================================

func TestEvaluateWalksPipeline(t *testing.T) {
	var completions atomic.Int32
	f := newFixture(t, etlJob(&completions))

	jr, err := f.manager.RunJob(context.Background(), "etl", nil)
	require.NoError(t, err)

	// 部分完成：只更新進度
	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusComplete, types.StatusRunning)
	require.NoError(t, f.evaluate(t, jr.ID))
	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, "extract", stored.CurrentStepName)
	assert.Equal(t, 2, stored.CurrentStepPartitionsCompletedCount)

	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusComplete, types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	stored = f.jobRun(t, jr.ID)
	assert.Equal(t, "transform", stored.CurrentStepName)
	assert.Equal(t, 0, stored.CurrentStepPartitionCount)
	assert.Len(t, f.stepRuns(t, jr.ID, "transform"), 1)

	f.setStatuses(t, jr.ID, "transform", types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	assert.Equal(t, "load", f.jobRun(t, jr.ID).CurrentStepName)

	f.setStatuses(t, jr.ID, "load", types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	stored = f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusComplete, stored.Status)
	assert.Equal(t, t0, stored.CompletedAt)
	assert.Equal(t, int32(1), completions.Load())
}

func TestEvaluateFailedPartition(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	jr, err := f.manager.RunJob(context.Background(), "etl", nil)
	require.NoError(t, err)

	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusComplete, types.StatusFailed)
	err = f.evaluate(t, jr.ID)
	require.Error(t, err)

	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "partition 2 broke")
}

func TestEvaluateEmptyStepSet(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	jr := &types.JobRun{ID: "jr-x", JobName: "etl", Status: types.StatusRunning, CurrentStepName: "vanished", StartedAt: t0}
	require.NoError(t, f.store.CreateJobRun(context.Background(), jr))

	err := f.manager.Evaluate(context.Background(), jr, t0)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestEvaluateDispatchesStepWithoutRuns(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	jr := &types.JobRun{ID: "jr-x", JobName: "etl", Status: types.StatusRunning, CurrentStepName: "extract", StartedAt: t0}
	require.NoError(t, f.store.CreateJobRun(context.Background(), jr))

	require.NoError(t, f.manager.Evaluate(context.Background(), jr, t0))
	assert.Len(t, f.stepRuns(t, jr.ID, "extract"), 3)
	assert.Equal(t, 3, f.jobRun(t, jr.ID).CurrentStepPartitionCount)
}

func TestEvaluateOnCompleteFailure(t *testing.T) {
	job := pipeline.NewJob("notify", pipeline.SimpleStep("a", noop)).
		WithOnComplete(func(ctx context.Context, args types.Args) error { return errors.New("smtp down") })
	f := newFixture(t, job)

	jr, err := f.manager.RunJob(context.Background(), "notify", nil)
	require.NoError(t, err)
	f.setStatuses(t, jr.ID, "a", types.StatusComplete)

	require.Error(t, f.evaluate(t, jr.ID))
	assertJobRunStatus(t, f, jr.ID, types.StatusFailed)
}

func TestOnTickEvaluatesAsynchronously(t *testing.T) {
	var completions atomic.Int32
	job := pipeline.NewJob("quick", pipeline.SimpleStep("a", noop)).
		WithOnComplete(func(ctx context.Context, args types.Args) error {
			completions.Add(1)
			return nil
		})
	f := newFixture(t, job)

	jr, err := f.manager.RunJob(context.Background(), "quick", nil)
	require.NoError(t, err)
	f.setStatuses(t, jr.ID, "a", types.StatusComplete)

	require.NoError(t, f.manager.OnTick(context.Background(), t0))
	require.Eventually(t, func() bool {
		return f.jobRun(t, jr.ID).Status == types.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	// 已完成的 JobRun 不再被評估
	require.NoError(t, f.manager.OnTick(context.Background(), t0))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), completions.Load())
}

// ============================================================================
// 故障恢復與重試
// ============================================================================

func TestReleaseDeadClaims(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	ctx := context.Background()
	jr, err := f.manager.RunJob(ctx, "etl", nil)
	require.NoError(t, err)

	a, err := f.store.ClaimStepRun(ctx, "dead-node", t0)
	require.NoError(t, err)
	a.Status = types.StatusRunning
	require.NoError(t, f.store.UpdateStepRun(ctx, a))
	_, err = f.store.ClaimStepRun(ctx, "live-node", t0)
	require.NoError(t, err)

	n, err := f.manager.ReleaseDeadClaims(ctx, []string{"dead-node"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, sr := range f.stepRuns(t, jr.ID, "extract") {
		switch sr.ID {
		case a.ID:
			assert.False(t, sr.Claimed)
			assert.Empty(t, sr.ClaimingNodeID)
			assert.Equal(t, types.StatusRunning, sr.Status)
		default:
			if sr.Claimed {
				assert.Equal(t, "live-node", sr.ClaimingNodeID)
			}
		}
	}

	// 釋放後可再被認領
	again, err := f.store.ClaimStepRun(ctx, "live-node", t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)

	n, err = f.manager.ReleaseDeadClaims(ctx, []string{"dead-node"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryFailedJob(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	ctx := context.Background()

	jr, err := f.manager.RunJob(ctx, "etl", nil)
	require.NoError(t, err)
	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusFailed, types.StatusComplete)
	require.Error(t, f.evaluate(t, jr.ID))
	assertJobRunStatus(t, f, jr.ID, types.StatusFailed)

	later := t0.Add(time.Hour)
	retried, err := f.manager.RetryFailedJob(ctx, "etl", later)
	require.NoError(t, err)
	assert.Equal(t, jr.ID, retried.ID)

	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusRunning, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Equal(t, "extract", stored.CurrentStepName)

	runs := f.stepRuns(t, jr.ID, "extract")
	assert.Equal(t, types.StatusComplete, runs[0].Status)
	assert.Equal(t, 0, runs[0].RetryCount)
	assert.Equal(t, types.StatusNew, runs[1].Status)
	assert.Equal(t, 1, runs[1].RetryCount)
	assert.False(t, runs[1].Claimed)
	assert.Equal(t, later, runs[1].LastUpdateAt)
	assert.Empty(t, runs[1].Error)

	// 重試後完成
	f.setStatuses(t, jr.ID, "extract", types.StatusComplete, types.StatusComplete, types.StatusComplete)
	require.NoError(t, f.evaluate(t, jr.ID))
	assert.Equal(t, "transform", f.jobRun(t, jr.ID).CurrentStepName)
}

func TestRetryPicksNewestFailedRun(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	ctx := context.Background()

	older := &types.JobRun{ID: "old", JobName: "etl", Status: types.StatusFailed, StartedAt: t0.Add(-time.Hour), CurrentStepName: "transform"}
	newer := &types.JobRun{ID: "new", JobName: "etl", Status: types.StatusFailed, StartedAt: t0, CurrentStepName: "transform"}
	require.NoError(t, f.store.CreateJobRun(ctx, older))
	require.NoError(t, f.store.CreateJobRun(ctx, newer))
	for _, id := range []string{"old", "new"} {
		require.NoError(t, f.store.CreateStepRuns(ctx, []*types.StepRun{{
			ID: id + "-t", JobRunID: id, JobName: "etl", StepName: "transform", Status: types.StatusFailed,
		}}))
	}

	jr, err := f.manager.RetryFailedJob(ctx, "etl", t0)
	require.NoError(t, err)
	assert.Equal(t, "new", jr.ID)
	assertJobRunStatus(t, f, "old", types.StatusFailed)
	assertJobRunStatus(t, f, "new", types.StatusRunning)
}

func TestRetryRedispatchesWhenNoStepWasWritten(t *testing.T) {
	attempts := 0
	job := pipeline.NewJob("flaky", pipeline.SimpleStep("a", noop)).
		WithOnStart(func(ctx context.Context, args types.Args) error {
			attempts++
			if attempts == 1 {
				return errors.New("warming up")
			}
			return nil
		})
	f := newFixture(t, job)
	ctx := context.Background()

	jr, err := f.manager.RunJob(ctx, "flaky", nil)
	require.Error(t, err)

	_, err = f.manager.RetryFailedJob(ctx, "flaky", t0)
	require.NoError(t, err)

	stored := f.jobRun(t, jr.ID)
	assert.Equal(t, types.StatusRunning, stored.Status)
	assert.Equal(t, "a", stored.CurrentStepName)
	assert.Len(t, f.stepRuns(t, jr.ID, "a"), 1)
}

func TestRetryNotFound(t *testing.T) {
	f := newFixture(t, etlJob(nil))

	_, err := f.manager.RetryFailedJob(context.Background(), "etl", t0)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.manager.RetryFailedJob(context.Background(), "missing", t0)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestQueries(t *testing.T) {
	f := newFixture(t, etlJob(nil))
	ctx := context.Background()

	jr, err := f.manager.RunJob(ctx, "etl", nil)
	require.NoError(t, err)

	running, err := f.manager.ListJobRuns(ctx, types.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, jr.ID, running[0].ID)

	failed, err := f.manager.ListJobRuns(ctx, types.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)

	steps, err := f.manager.StepRuns(ctx, jr.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
}
