package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-batch/internal/store/memory"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const period = 10 * time.Second

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(t *testing.T, c *Coordinator, at time.Time) types.NodeInfo {
	t.Helper()
	info, err := c.Tick(context.Background(), at)
	require.NoError(t, err)
	return info
}

func TestFirstNodeBecomesLeader(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period)
	b := New(st, "b", period)

	infoA := tick(t, a, t0)
	infoB := tick(t, b, t0)

	assert.True(t, infoA.IsLeader)
	assert.False(t, infoB.IsLeader)
	assert.Equal(t, "a", infoA.NodeID)
	assert.Equal(t, t0, infoA.Now)

	lease, err := st.GetLeaderLease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", lease.LeaderNodeID)
	assert.Equal(t, t0, lease.LeaderSince)
	assert.Equal(t, t0.Add(2*period), lease.LeaderLeaseTill)
	assert.False(t, lease.Locked)
}

func TestLeaderRenewsEachTick(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period)
	b := New(st, "b", period)

	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * period)
		assert.True(t, tick(t, a, now).IsLeader)
		assert.False(t, tick(t, b, now).IsLeader)
	}

	lease, err := st.GetLeaderLease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, lease.LeaderSince)
	assert.Equal(t, t0.Add(6*period), lease.LeaderLeaseTill)
}

func TestNodeLeaseKeepsStartedAt(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period)

	tick(t, a, t0)
	tick(t, a, t0.Add(period))

	nodes, err := st.ListNodeLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, t0, nodes[0].StartedAt)
	assert.Equal(t, t0.Add(3*period), nodes[0].LifeLeaseTill)
}

func TestFailoverAfterLeaseExpiry(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period)
	b := New(st, "b", period)

	tick(t, a, t0)
	tick(t, b, t0)

	// a 停止心跳；租約到 t0+2P 為止
	assert.False(t, tick(t, b, t0.Add(2*period)).IsLeader)

	takeover := t0.Add(2*period + time.Second)
	assert.True(t, tick(t, b, takeover).IsLeader)

	lease, err := st.GetLeaderLease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", lease.LeaderNodeID)
	assert.Equal(t, takeover, lease.LeaderSince)
	assert.False(t, lease.Locked)

	// a 回來後不能再續約
	assert.False(t, tick(t, a, takeover.Add(time.Second)).IsLeader)
}

func TestDeadNodeDetectionAndPurge(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period, WithPurgeMultiplier(10))
	b := New(st, "b", period)

	tick(t, a, t0)
	tick(t, b, t0)

	// b 的租約到 t0+20s，t0+40s 之後才算死亡
	assert.Empty(t, tick(t, a, t0.Add(4*period)).DeadNodeIDs)

	info := tick(t, a, t0.Add(4*period+time.Second))
	assert.Equal(t, []string{"b"}, info.DeadNodeIDs)

	// 每次心跳都報告，直到清除
	info = tick(t, a, t0.Add(8*period))
	assert.Equal(t, []string{"b"}, info.DeadNodeIDs)

	// 過期超過 10P 後刪除
	info = tick(t, a, t0.Add(12*period+time.Second))
	assert.Equal(t, []string{"b"}, info.DeadNodeIDs)
	nodes, err := st.ListNodeLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)

	assert.Empty(t, tick(t, a, t0.Add(13*period)).DeadNodeIDs)
}

func TestFollowerDoesNotReportDeadNodes(t *testing.T) {
	st := memory.New()
	a := New(st, "a", period)
	b := New(st, "b", period)
	c := New(st, "c", period)

	tick(t, a, t0)
	tick(t, b, t0)
	tick(t, c, t0)

	for i := 1; i <= 6; i++ {
		now := t0.Add(time.Duration(i) * period)
		tick(t, a, now)
		info := tick(t, b, now)
		assert.False(t, info.IsLeader)
		assert.Empty(t, info.DeadNodeIDs)
	}
	assert.Equal(t, []string{"c"}, tick(t, a, t0.Add(7*period)).DeadNodeIDs)
}

func TestStaleLockBreak(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := New(st, "a", period)
	b := New(st, "b", period)

	tick(t, a, t0)

	// 挑戰者鎖定後崩潰
	lease, err := st.GetLeaderLease(ctx)
	require.NoError(t, err)
	ok, err := st.ClaimLeaderLease(ctx, *lease, "ghost")
	require.NoError(t, err)
	require.True(t, ok)

	till := t0.Add(2 * period)
	assert.False(t, tick(t, b, till.Add(time.Second)).IsLeader)
	assert.False(t, tick(t, b, till.Add(6*period)).IsLeader)
	// 原 leader 也無法續約被鎖定的紀錄
	assert.False(t, tick(t, a, till.Add(6*period)).IsLeader)

	assert.True(t, tick(t, b, till.Add(6*period+time.Second)).IsLeader)

	lease, err = st.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", lease.LeaderNodeID)
	assert.False(t, lease.Locked)
}

func TestLockedBySelfCompletesTake(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := New(st, "a", period)
	tick(t, a, t0)

	lease, err := st.GetLeaderLease(ctx)
	require.NoError(t, err)
	ok, err := st.ClaimLeaderLease(ctx, *lease, "b")
	require.NoError(t, err)
	require.True(t, ok)

	// b 以相同 ID 重啟
	b := New(st, "b", period)
	now := t0.Add(time.Minute)
	assert.True(t, tick(t, b, now).IsLeader)

	lease, err = st.GetLeaderLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, now, lease.LeaderSince)
	assert.False(t, lease.Locked)
}

func TestLeaderUniqueness(t *testing.T) {
	st := memory.New()
	const n = 8

	coords := make([]*Coordinator, n)
	for i := range coords {
		coords[i] = New(st, fmt.Sprintf("node-%d", i), period)
	}

	for round := 0; round < 5; round++ {
		// 每一輪都讓所有節點在 leader 過期後同時競爭
		now := t0.Add(time.Duration(round) * 3 * period)
		var (
			mu      sync.Mutex
			leaders []string
			wg      sync.WaitGroup
		)
		for _, c := range coords {
			wg.Add(1)
			go func(c *Coordinator) {
				defer wg.Done()
				info, err := c.Tick(context.Background(), now)
				assert.NoError(t, err)
				if info.IsLeader {
					mu.Lock()
					leaders = append(leaders, info.NodeID)
					mu.Unlock()
				}
			}(c)
		}
		wg.Wait()
		assert.LessOrEqual(t, len(leaders), 1, "round %d leaders %v", round, leaders)
	}
}

func TestBusyFlagReported(t *testing.T) {
	busy := true
	a := New(memory.New(), "a", period, WithBusyFunc(func() bool { return busy }))

	assert.True(t, tick(t, a, t0).IsBusy)
	busy = false
	assert.False(t, tick(t, a, t0.Add(period)).IsBusy)
}

type failingStore struct {
	*memory.Store
	err error
}

func (f *failingStore) UpsertNodeLease(ctx context.Context, lease types.NodeLease) error {
	return f.err
}

func TestStoreErrorAbortsTick(t *testing.T) {
	st := &failingStore{Store: memory.New(), err: fmt.Errorf("store/test: upsert: %w", types.ErrStore)}
	a := New(st, "a", period)

	_, err := a.Tick(context.Background(), t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStore))

	_, err = st.GetLeaderLease(context.Background())
	assert.ErrorIs(t, err, types.ErrNotFound)
}
