// ============================================================================
// Beaver-Batch 叢集協調器 - 節點租約與 Leader 選舉
// ============================================================================
//
// Package: internal/cluster
// 文件: coordinator.go
// 功能: 每次心跳續約本節點租約、爭取或維持 leader 租約、偵測並清除死亡節點
//
// 選舉流程（每次 Tick）:
//   1. 續約本節點: lifeLeaseTill = now + 2P
//   2. 沒有 leader 紀錄 → 以自己為 leader 插入（唯一鍵保證只有一個成功），再重新讀取
//   3. 自己是 leader → 條件續約（leaderNodeId == self）
//   4. leader 已過期 → ClaimLeaderLease 鎖定紀錄，成功後 TakeLeaderLease 寫入新任期
//      挑戰者在鎖定後崩潰時，紀錄會停在 locked；過期超過 6P 後可再被搶
//   5. 只有 leader: 其他節點 lifeLeaseTill < now - 2P 視為死亡，
//      過期超過 purgeMultiplier*P 的節點租約會被刪除
//
// 錯誤處理:
//   任何儲存錯誤都中止本次 Tick，下一次心跳會從儲存重新推導所有狀態
//
// ============================================================================

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// 預設倍數
const (
	DefaultPurgeMultiplier     = 600 // 死亡節點在過期 600P 後才刪除
	DefaultStaleLockMultiplier = 6   // locked 紀錄過期 6P 後視為挑戰者已崩潰
)

// Store 協調器需要的儲存能力
type Store interface {
	store.NodeStore
	store.LeaderStore
}

// Coordinator 叢集協調器
type Coordinator struct {
	store               Store
	nodeID              string
	period              time.Duration
	purgeMultiplier     int
	staleLockMultiplier int
	busy                func() bool
	logger              *slog.Logger
	metrics             *metrics.Collector

	startedAt time.Time
	wasLeader bool
}

// Option 設定 Coordinator
type Option func(*Coordinator)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithBusyFunc 設定忙碌狀態來源（通常是 StepRunner）
func WithBusyFunc(fn func() bool) Option {
	return func(c *Coordinator) { c.busy = fn }
}

// WithPurgeMultiplier 覆寫死亡節點刪除倍數
func WithPurgeMultiplier(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.purgeMultiplier = n
		}
	}
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New 建立協調器
//
// 參數：
//   - st: 共享儲存
//   - nodeID: 本節點 ID，叢集內唯一
//   - period: 心跳週期 P
func New(st Store, nodeID string, period time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:               st,
		nodeID:              nodeID,
		period:              period,
		purgeMultiplier:     DefaultPurgeMultiplier,
		staleLockMultiplier: DefaultStaleLockMultiplier,
		busy:                func() bool { return false },
		logger:              slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NodeID 返回本節點 ID
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Tick 執行一次心跳協調並返回節點快照
func (c *Coordinator) Tick(ctx context.Context, now time.Time) (types.NodeInfo, error) {
	now = types.Truncate(now)
	if c.startedAt.IsZero() {
		c.startedAt = now
	}
	till := now.Add(2 * c.period)

	if err := c.store.UpsertNodeLease(ctx, types.NodeLease{
		ID:            c.nodeID,
		StartedAt:     c.startedAt,
		LifeLeaseTill: till,
	}); err != nil {
		return types.NodeInfo{}, fmt.Errorf("renew node lease: %w", err)
	}

	isLeader, err := c.contest(ctx, now, till)
	if err != nil {
		return types.NodeInfo{}, err
	}
	if isLeader != c.wasLeader {
		if isLeader {
			c.logger.Info("Became leader", "nodeID", c.nodeID)
		} else {
			c.logger.Info("Lost leadership", "nodeID", c.nodeID)
		}
		c.wasLeader = isLeader
	}
	c.metrics.SetLeader(isLeader)

	info := types.NodeInfo{
		Now:      now,
		NodeID:   c.nodeID,
		IsLeader: isLeader,
		IsBusy:   c.busy(),
	}
	if isLeader {
		dead, err := c.reapDeadNodes(ctx, now)
		if err != nil {
			return types.NodeInfo{}, err
		}
		info.DeadNodeIDs = dead
	}
	return info, nil
}

// contest 爭取或維持 leader 租約，返回本節點是否為 leader
func (c *Coordinator) contest(ctx context.Context, now, till time.Time) (bool, error) {
	lease, err := c.store.GetLeaderLease(ctx)
	if errors.Is(err, types.ErrNotFound) {
		if _, err := c.store.InsertLeaderLease(ctx, types.LeaderLease{
			Key:             types.LeaderKey,
			LeaderNodeID:    c.nodeID,
			LeaderSince:     now,
			LeaderLeaseTill: till,
		}); err != nil {
			return false, fmt.Errorf("insert leader lease: %w", err)
		}
		lease, err = c.store.GetLeaderLease(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("read leader lease: %w", err)
	}

	if lease.LeaderNodeID == c.nodeID {
		if lease.Locked {
			// 上次搶到鎖後沒有完成寫入（例如同 ID 重啟）
			return c.take(ctx, now, till)
		}
		ok, err := c.store.RenewLeaderLease(ctx, c.nodeID, till)
		if err != nil {
			return false, fmt.Errorf("renew leader lease: %w", err)
		}
		return ok, nil
	}

	if !lease.LeaderLeaseTill.Before(now) {
		return false, nil
	}
	if lease.Locked {
		staleBefore := now.Add(-time.Duration(c.staleLockMultiplier) * c.period)
		if !lease.LeaderLeaseTill.Before(staleBefore) {
			return false, nil
		}
		c.logger.Warn("Breaking stale leader lock", "holder", lease.LeaderNodeID, "till", lease.LeaderLeaseTill)
	}

	claimed, err := c.store.ClaimLeaderLease(ctx, *lease, c.nodeID)
	if err != nil {
		return false, fmt.Errorf("claim leader lease: %w", err)
	}
	if !claimed {
		return false, nil
	}
	c.logger.Info("Claimed expired leader lease", "previous", lease.LeaderNodeID, "expiredAt", lease.LeaderLeaseTill)
	return c.take(ctx, now, till)
}

func (c *Coordinator) take(ctx context.Context, now, till time.Time) (bool, error) {
	ok, err := c.store.TakeLeaderLease(ctx, c.nodeID, now, till)
	if err != nil {
		return false, fmt.Errorf("take leader lease: %w", err)
	}
	return ok, nil
}

// reapDeadNodes 返回死亡節點，並刪除過期太久的節點租約
func (c *Coordinator) reapDeadNodes(ctx context.Context, now time.Time) ([]string, error) {
	nodes, err := c.store.ListNodeLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list node leases: %w", err)
	}

	deadBefore := now.Add(-2 * c.period)
	purgeBefore := now.Add(-time.Duration(c.purgeMultiplier) * c.period)

	var dead []string
	for _, n := range nodes {
		if n.ID == c.nodeID || !n.LifeLeaseTill.Before(deadBefore) {
			continue
		}
		dead = append(dead, n.ID)
		if n.LifeLeaseTill.Before(purgeBefore) {
			if err := c.store.DeleteNodeLease(ctx, n.ID); err != nil {
				return nil, fmt.Errorf("purge node lease %s: %w", n.ID, err)
			}
			c.logger.Info("Purged dead node", "nodeID", n.ID, "lifeLeaseTill", n.LifeLeaseTill)
		}
	}
	c.metrics.SetDeadNodes(len(dead))
	return dead, nil
}
