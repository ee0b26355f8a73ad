// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns an empty, migrated store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// base is a fixed instant with sub-millisecond noise so backends are forced
// to truncate consistently.
var base = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

// Run executes the full suite against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("NodeLeases", func(t *testing.T) { testNodeLeases(t, newStore(t)) })
	t.Run("LeaderInsertOnce", func(t *testing.T) { testLeaderInsertOnce(t, newStore(t)) })
	t.Run("LeaderRenew", func(t *testing.T) { testLeaderRenew(t, newStore(t)) })
	t.Run("LeaderClaimAndTake", func(t *testing.T) { testLeaderClaimAndTake(t, newStore(t)) })
	t.Run("LeaderClaimExclusive", func(t *testing.T) { testLeaderClaimExclusive(t, newStore(t)) })
	t.Run("JobRuns", func(t *testing.T) { testJobRuns(t, newStore(t)) })
	t.Run("StepRuns", func(t *testing.T) { testStepRuns(t, newStore(t)) })
	t.Run("StepClaimSkipsUnclaimable", func(t *testing.T) { testStepClaimSkipsUnclaimable(t, newStore(t)) })
	t.Run("StepClaimExclusive", func(t *testing.T) { testStepClaimExclusive(t, newStore(t)) })
	t.Run("StepClaimRelease", func(t *testing.T) { testStepClaimRelease(t, newStore(t)) })
	t.Run("ScheduleState", func(t *testing.T) { testScheduleState(t, newStore(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newStore(t)) })
}

func newJobRun(name string, status types.Status, startedAt time.Time) *types.JobRun {
	return &types.JobRun{
		ID:           types.NewID(),
		JobName:      name,
		Args:         types.Args{"region": "eu"},
		Status:       status,
		StartedAt:    startedAt,
		LastUpdateAt: startedAt,
	}
}

func newStepRuns(jobRunID, step string, n int, status types.Status) []*types.StepRun {
	runs := make([]*types.StepRun, 0, n)
	for i := 0; i < n; i++ {
		sr := &types.StepRun{
			ID:           types.NewID(),
			JobRunID:     jobRunID,
			JobName:      "job",
			StepName:     step,
			Args:         types.Args{"k": "v"},
			Status:       status,
			LastUpdateAt: base,
		}
		if n > 1 {
			sr.Partition = &types.Partition{Num: i, Total: n, Args: types.Args{"shard": fmt.Sprint(i)}}
		}
		runs = append(runs, sr)
	}
	return runs
}

func testNodeLeases(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertNodeLease(ctx, types.NodeLease{ID: "n1", StartedAt: base, LifeLeaseTill: base.Add(20 * time.Second)}))
	require.NoError(t, s.UpsertNodeLease(ctx, types.NodeLease{ID: "n2", StartedAt: base.Add(time.Second), LifeLeaseTill: base.Add(20 * time.Second)}))
	// renewal keeps the original start
	require.NoError(t, s.UpsertNodeLease(ctx, types.NodeLease{ID: "n1", StartedAt: base.Add(time.Hour), LifeLeaseTill: base.Add(30 * time.Second)}))

	nodes, err := s.ListNodeLeases(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.True(t, nodes[0].StartedAt.Equal(types.Truncate(base)))
	assert.True(t, nodes[0].LifeLeaseTill.Equal(types.Truncate(base.Add(30*time.Second))))

	require.NoError(t, s.DeleteNodeLease(ctx, "n1"))
	nodes, err = s.ListNodeLeases(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n2", nodes[0].ID)
}

func testLeaderInsertOnce(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetLeaderLease(ctx)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	created, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "a", LeaderSince: base, LeaderLeaseTill: base.Add(20 * time.Second)})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "b", LeaderSince: base, LeaderLeaseTill: base.Add(20 * time.Second)})
	require.NoError(t, err)
	assert.False(t, created)

	l, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.LeaderKey, l.Key)
	assert.Equal(t, "a", l.LeaderNodeID)
	assert.True(t, l.LeaderSince.Equal(types.Truncate(base)))
	assert.False(t, l.Locked)
}

func testLeaderRenew(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "a", LeaderSince: base, LeaderLeaseTill: base.Add(20 * time.Second)})
	require.NoError(t, err)

	ok, err := s.RenewLeaderLease(ctx, "b", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLeaderLease(ctx, "a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.True(t, l.LeaderLeaseTill.Equal(types.Truncate(base.Add(time.Minute))))
	assert.True(t, l.LeaderSince.Equal(types.Truncate(base)))
}

func testLeaderClaimAndTake(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "a", LeaderSince: base, LeaderLeaseTill: base.Add(20 * time.Second)})
	require.NoError(t, err)

	observed, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)

	stale := *observed
	stale.LeaderLeaseTill = stale.LeaderLeaseTill.Add(-time.Second)
	ok, err := s.ClaimLeaderLease(ctx, stale, "b")
	require.NoError(t, err)
	assert.False(t, ok, "claim must fail when the observed expiry is outdated")

	ok, err = s.TakeLeaderLease(ctx, "b", base, base)
	require.NoError(t, err)
	assert.False(t, ok, "take without a claim must fail")

	ok, err = s.ClaimLeaderLease(ctx, *observed, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	locked, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.True(t, locked.Locked)
	assert.Equal(t, "b", locked.LeaderNodeID)

	now := base.Add(time.Minute)
	ok, err = s.TakeLeaderLease(ctx, "b", now, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", l.LeaderNodeID)
	assert.False(t, l.Locked)
	assert.True(t, l.LeaderSince.Equal(types.Truncate(now)))
	assert.True(t, l.LeaderLeaseTill.Equal(types.Truncate(now.Add(20*time.Second))))
}

func testLeaderClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "dead", LeaderSince: base, LeaderLeaseTill: base})
	require.NoError(t, err)
	observed, err := s.GetLeaderLease(ctx)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimLeaderLease(ctx, *observed, fmt.Sprintf("node-%d", i))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testJobRuns(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetJobRun(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateJobRun(ctx, &types.JobRun{ID: "missing"}), types.ErrNotFound))

	older := newJobRun("report", types.StatusRunning, base)
	newer := newJobRun("report", types.StatusFailed, base.Add(time.Minute))
	other := newJobRun("cleanup", types.StatusRunning, base.Add(2*time.Minute))
	for _, r := range []*types.JobRun{newer, other, older} {
		require.NoError(t, s.CreateJobRun(ctx, r))
	}

	got, err := s.GetJobRun(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.JobName)
	assert.Equal(t, "eu", got.Args.String("region"))
	assert.True(t, got.StartedAt.Equal(types.Truncate(base)))
	assert.True(t, got.CompletedAt.IsZero())

	running, err := s.ListJobRuns(ctx, store.JobRunFilter{Status: types.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, older.ID, running[0].ID)
	assert.Equal(t, other.ID, running[1].ID)

	reports, err := s.ListJobRuns(ctx, store.JobRunFilter{JobName: "report"})
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	got.Status = types.StatusComplete
	got.CompletedAt = base.Add(time.Hour)
	got.CurrentStepName = "load"
	got.CurrentStepPartitionCount = 3
	got.CurrentStepPartitionsCompletedCount = 2
	got.Error = ""
	require.NoError(t, s.UpdateJobRun(ctx, got))

	again, err := s.GetJobRun(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, again.Status)
	assert.Equal(t, "load", again.CurrentStepName)
	assert.Equal(t, 3, again.CurrentStepPartitionCount)
	assert.Equal(t, 2, again.CurrentStepPartitionsCompletedCount)
	assert.True(t, again.CompletedAt.Equal(types.Truncate(base.Add(time.Hour))))
}

func testStepRuns(t *testing.T, s store.Store) {
	ctx := context.Background()

	load := newStepRuns("jr1", "load", 3, types.StatusNew)
	extract := newStepRuns("jr1", "extract", 1, types.StatusComplete)
	require.NoError(t, s.CreateStepRuns(ctx, append(load, extract...)))
	require.NoError(t, s.CreateStepRuns(ctx, newStepRuns("jr2", "load", 1, types.StatusNew)))

	runs, err := s.ListStepRuns(ctx, "jr1", "load")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, r := range runs {
		require.NotNil(t, r.Partition)
		assert.Equal(t, i, r.Partition.Num)
		assert.Equal(t, 3, r.Partition.Total)
		assert.Equal(t, fmt.Sprint(i), r.Partition.Args.String("shard"))
		assert.Equal(t, "v", r.Args.String("k"))
	}

	all, err := s.ListStepRuns(ctx, "jr1", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	r := runs[1]
	r.Status = types.StatusFailed
	r.Error = "boom"
	r.ItemsProcessed = 11
	r.RetryCount = 2
	r.StartedAt = base.Add(time.Second)
	r.LastUpdateAt = base.Add(2 * time.Second)
	require.NoError(t, s.UpdateStepRun(ctx, r))

	runs, err = s.ListStepRuns(ctx, "jr1", "load")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, runs[1].Status)
	assert.Equal(t, "boom", runs[1].Error)
	assert.Equal(t, int64(11), runs[1].ItemsProcessed)
	assert.Equal(t, 2, runs[1].RetryCount)
	assert.True(t, runs[1].StartedAt.Equal(types.Truncate(base.Add(time.Second))))

	assert.True(t, errors.Is(s.UpdateStepRun(ctx, &types.StepRun{ID: "missing"}), types.ErrNotFound))
}

func testStepClaimSkipsUnclaimable(t *testing.T, s store.Store) {
	ctx := context.Background()

	done := newStepRuns("jr1", "a", 1, types.StatusComplete)
	failed := newStepRuns("jr1", "b", 1, types.StatusFailed)
	taken := newStepRuns("jr1", "c", 1, types.StatusNew)
	taken[0].Claimed = true
	taken[0].ClaimingNodeID = "other"
	require.NoError(t, s.CreateStepRuns(ctx, append(append(done, failed...), taken...)))

	got, err := s.ClaimStepRun(ctx, "me", base)
	require.NoError(t, err)
	assert.Nil(t, got)

	running := newStepRuns("jr1", "d", 1, types.StatusRunning)
	require.NoError(t, s.CreateStepRuns(ctx, running))

	got, err = s.ClaimStepRun(ctx, "me", base)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, running[0].ID, got.ID)
	assert.True(t, got.Claimed)
	assert.Equal(t, "me", got.ClaimingNodeID)

	got, err = s.ClaimStepRun(ctx, "me", base)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testStepClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateStepRuns(ctx, newStepRuns("jr1", "only", 1, types.StatusNew)))

	var wins atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			sr, err := s.ClaimStepRun(gctx, fmt.Sprintf("node-%d", i), base)
			if err != nil {
				return err
			}
			if sr != nil {
				wins.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
}

func testStepClaimRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateStepRuns(ctx, newStepRuns("jr1", "load", 2, types.StatusNew)))

	first, err := s.ClaimStepRun(ctx, "dead", base)
	require.NoError(t, err)
	require.NotNil(t, first)
	first.Status = types.StatusRunning
	require.NoError(t, s.UpdateStepRun(ctx, first))

	claimed, err := s.ListStepRunsClaimedBy(ctx, "dead")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)

	ok, err := s.ReleaseStepRunClaim(ctx, first.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseStepRunClaim(ctx, first.ID, "dead")
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err = s.ListStepRunsClaimedBy(ctx, "dead")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	runs, err := s.ListStepRuns(ctx, "jr1", "load")
	require.NoError(t, err)
	for _, r := range runs {
		if r.ID == first.ID {
			assert.False(t, r.Claimed)
			assert.Empty(t, r.ClaimingNodeID)
			assert.Equal(t, types.StatusRunning, r.Status, "release leaves status untouched")
		}
	}

	// both the released RUNNING row and the untouched NEW row are claimable again
	for i := 0; i < 2; i++ {
		sr, err := s.ClaimStepRun(ctx, "alive", base)
		require.NoError(t, err)
		require.NotNil(t, sr)
	}
}

func testScheduleState(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetScheduleState(ctx, "nightly")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, s.SaveScheduleState(ctx, types.ScheduleState{JobName: "nightly", LastFireTimeProcessed: base}))
	require.NoError(t, s.SaveScheduleState(ctx, types.ScheduleState{JobName: "nightly", LastFireTimeProcessed: base.Add(24 * time.Hour)}))

	st, err := s.GetScheduleState(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, st.LastFireTimeProcessed.Equal(types.Truncate(base.Add(24*time.Hour))))
}

func testReset(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertNodeLease(ctx, types.NodeLease{ID: "n1", StartedAt: base, LifeLeaseTill: base}))
	_, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "n1", LeaderSince: base, LeaderLeaseTill: base})
	require.NoError(t, err)
	jr := newJobRun("report", types.StatusRunning, base)
	require.NoError(t, s.CreateJobRun(ctx, jr))
	require.NoError(t, s.CreateStepRuns(ctx, newStepRuns(jr.ID, "load", 1, types.StatusNew)))
	require.NoError(t, s.SaveScheduleState(ctx, types.ScheduleState{JobName: "report", LastFireTimeProcessed: base}))

	require.NoError(t, s.Reset(ctx))

	nodes, err := s.ListNodeLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	_, err = s.GetLeaderLease(ctx)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	runs, err := s.ListJobRuns(ctx, store.JobRunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	steps, err := s.ListStepRuns(ctx, jr.ID, "")
	require.NoError(t, err)
	assert.Empty(t, steps)
	_, err = s.GetScheduleState(ctx, "report")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// the store stays usable after a reset
	created, err := s.InsertLeaderLease(ctx, types.LeaderLease{LeaderNodeID: "n2", LeaderSince: base, LeaderLeaseTill: base})
	require.NoError(t, err)
	assert.True(t, created)
}
