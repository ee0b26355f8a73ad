// ============================================================================
// 記憶體儲存 - 單一程序內的共享儲存實作
// ============================================================================
//
// Package: internal/store/memory
// 文件: memory.go
// 功能: 以 map + RWMutex 實作 store.Store，供單機部署與測試使用
//
// 設計理念:
//   1. 各實體一個 map 作為單一真實來源
//   2. claimable 索引記錄可被認領的 StepRun，認領時不必掃描全部紀錄
//   3. 所有條件更新都在同一把寫鎖內完成，天然具備單筆原子性
//   4. 讀寫都做深拷貝，呼叫端修改回傳值不會影響儲存內容
//
// 快照支持:
//   - Snapshot() 序列化目前所有紀錄
//   - Restore() 從快照恢復，配合 internal/snapshot 實現重啟後續跑
//
// ============================================================================

package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Store 記憶體儲存
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*types.NodeLease
	leader    *types.LeaderLease
	jobRuns   map[string]*types.JobRun
	stepRuns  map[string]*types.StepRun
	schedules map[string]*types.ScheduleState

	claimable map[string]struct{} // 可被認領的 StepRun ID
}

var _ store.Store = (*Store)(nil)

// New 建立空的記憶體儲存
func New() *Store {
	s := &Store{}
	s.clear()
	return s
}

func (s *Store) clear() {
	s.nodes = make(map[string]*types.NodeLease)
	s.leader = nil
	s.jobRuns = make(map[string]*types.JobRun)
	s.stepRuns = make(map[string]*types.StepRun)
	s.schedules = make(map[string]*types.ScheduleState)
	s.claimable = make(map[string]struct{})
}

// Migrate 記憶體儲存不需要 schema
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Close 無資源需要釋放
func (s *Store) Close() error { return nil }

// Reset 清除所有紀錄
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	return nil
}

// ============================================================================
// 節點租約
// ============================================================================

func (s *Store) UpsertNodeLease(ctx context.Context, lease types.NodeLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.nodes[lease.ID]; ok {
		cur.LifeLeaseTill = types.Truncate(lease.LifeLeaseTill)
		return nil
	}
	lease.StartedAt = types.Truncate(lease.StartedAt)
	lease.LifeLeaseTill = types.Truncate(lease.LifeLeaseTill)
	s.nodes[lease.ID] = &lease
	return nil
}

func (s *Store) ListNodeLeases(ctx context.Context) ([]types.NodeLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.NodeLease, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b types.NodeLease) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) DeleteNodeLease(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// ============================================================================
// Leader 租約
// ============================================================================

func (s *Store) InsertLeaderLease(ctx context.Context, lease types.LeaderLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leader != nil {
		return false, nil
	}
	lease.Key = types.LeaderKey
	lease.LeaderSince = types.Truncate(lease.LeaderSince)
	lease.LeaderLeaseTill = types.Truncate(lease.LeaderLeaseTill)
	s.leader = &lease
	return true, nil
}

func (s *Store) GetLeaderLease(ctx context.Context) (*types.LeaderLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.leader == nil {
		return nil, fmt.Errorf("leader lease: %w", types.ErrNotFound)
	}
	l := *s.leader
	return &l, nil
}

func (s *Store) RenewLeaderLease(ctx context.Context, nodeID string, till time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leader == nil || s.leader.LeaderNodeID != nodeID {
		return false, nil
	}
	s.leader.LeaderLeaseTill = types.Truncate(till)
	s.leader.Locked = false
	return true, nil
}

func (s *Store) ClaimLeaderLease(ctx context.Context, expected types.LeaderLease, claimant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.leader
	if l == nil ||
		l.LeaderNodeID != expected.LeaderNodeID ||
		!l.LeaderLeaseTill.Equal(types.Truncate(expected.LeaderLeaseTill)) ||
		l.Locked != expected.Locked {
		return false, nil
	}
	l.LeaderNodeID = claimant
	l.Locked = true
	return true, nil
}

func (s *Store) TakeLeaderLease(ctx context.Context, nodeID string, since, till time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.leader
	if l == nil || l.LeaderNodeID != nodeID || !l.Locked {
		return false, nil
	}
	l.LeaderSince = types.Truncate(since)
	l.LeaderLeaseTill = types.Truncate(till)
	l.Locked = false
	return true, nil
}

// ============================================================================
// JobRun
// ============================================================================

func normaliseJobRun(r *types.JobRun) *types.JobRun {
	c := r.Clone()
	c.StartedAt = types.Truncate(c.StartedAt)
	c.CompletedAt = types.Truncate(c.CompletedAt)
	c.LastUpdateAt = types.Truncate(c.LastUpdateAt)
	return c
}

func (s *Store) CreateJobRun(ctx context.Context, run *types.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobRuns[run.ID]; ok {
		return fmt.Errorf("job run %s already exists", run.ID)
	}
	s.jobRuns[run.ID] = normaliseJobRun(run)
	return nil
}

func (s *Store) UpdateJobRun(ctx context.Context, run *types.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobRuns[run.ID]; !ok {
		return fmt.Errorf("job run %s: %w", run.ID, types.ErrNotFound)
	}
	s.jobRuns[run.ID] = normaliseJobRun(run)
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*types.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.jobRuns[id]
	if !ok {
		return nil, fmt.Errorf("job run %s: %w", id, types.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ListJobRuns(ctx context.Context, filter store.JobRunFilter) ([]*types.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JobRun
	for _, r := range s.jobRuns {
		if filter.JobName != "" && r.JobName != filter.JobName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *types.JobRun) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ============================================================================
// StepRun
// ============================================================================

func normaliseStepRun(r *types.StepRun) *types.StepRun {
	c := r.Clone()
	c.StartedAt = types.Truncate(c.StartedAt)
	c.CompletedAt = types.Truncate(c.CompletedAt)
	c.LastUpdateAt = types.Truncate(c.LastUpdateAt)
	return c
}

// put 寫入 StepRun 並維護 claimable 索引，呼叫端需持有寫鎖
func (s *Store) put(r *types.StepRun) {
	s.stepRuns[r.ID] = r
	if r.Claimable() {
		s.claimable[r.ID] = struct{}{}
	} else {
		delete(s.claimable, r.ID)
	}
}

func (s *Store) CreateStepRuns(ctx context.Context, runs []*types.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range runs {
		if _, ok := s.stepRuns[r.ID]; ok {
			return fmt.Errorf("step run %s already exists", r.ID)
		}
	}
	for _, r := range runs {
		s.put(normaliseStepRun(r))
	}
	return nil
}

func (s *Store) UpdateStepRun(ctx context.Context, run *types.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stepRuns[run.ID]; !ok {
		return fmt.Errorf("step run %s: %w", run.ID, types.ErrNotFound)
	}
	s.put(normaliseStepRun(run))
	return nil
}

func partitionNum(r *types.StepRun) int {
	if r.Partition == nil {
		return 0
	}
	return r.Partition.Num
}

func (s *Store) ListStepRuns(ctx context.Context, jobRunID, stepName string) ([]*types.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.StepRun
	for _, r := range s.stepRuns {
		if r.JobRunID != jobRunID {
			continue
		}
		if stepName != "" && r.StepName != stepName {
			continue
		}
		out = append(out, r.Clone())
	}
	sortStepRuns(out)
	return out, nil
}

func sortStepRuns(runs []*types.StepRun) {
	slices.SortFunc(runs, func(a, b *types.StepRun) int {
		return cmp.Or(
			cmp.Compare(a.StepName, b.StepName),
			cmp.Compare(partitionNum(a), partitionNum(b)),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

func (s *Store) ClaimStepRun(ctx context.Context, nodeID string, now time.Time) (*types.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *types.StepRun
	for id := range s.claimable {
		r := s.stepRuns[id]
		if pick == nil ||
			r.LastUpdateAt.Before(pick.LastUpdateAt) ||
			(r.LastUpdateAt.Equal(pick.LastUpdateAt) && r.ID < pick.ID) {
			pick = r
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.Claimed = true
	pick.ClaimingNodeID = nodeID
	pick.LastUpdateAt = types.Truncate(now)
	delete(s.claimable, pick.ID)
	return pick.Clone(), nil
}

func (s *Store) ListStepRunsClaimedBy(ctx context.Context, nodeID string) ([]*types.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.StepRun
	for _, r := range s.stepRuns {
		if r.Claimed && r.ClaimingNodeID == nodeID {
			out = append(out, r.Clone())
		}
	}
	sortStepRuns(out)
	return out, nil
}

func (s *Store) ReleaseStepRunClaim(ctx context.Context, stepRunID, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.stepRuns[stepRunID]
	if !ok || !r.Claimed || r.ClaimingNodeID != nodeID {
		return false, nil
	}
	r.Claimed = false
	r.ClaimingNodeID = ""
	s.put(r)
	return true, nil
}

// ============================================================================
// 排程狀態
// ============================================================================

func (s *Store) GetScheduleState(ctx context.Context, jobName string) (*types.ScheduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.schedules[jobName]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", jobName, types.ErrNotFound)
	}
	c := *st
	return &c, nil
}

func (s *Store) SaveScheduleState(ctx context.Context, state types.ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.LastFireTimeProcessed = types.Truncate(state.LastFireTimeProcessed)
	s.schedules[state.JobName] = &state
	return nil
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := types.NewSnapshotData()
	for id, n := range s.nodes {
		c := *n
		data.Nodes[id] = &c
	}
	if s.leader != nil {
		l := *s.leader
		data.Leader = &l
	}
	for id, r := range s.jobRuns {
		data.JobRuns[id] = r.Clone()
	}
	for id, r := range s.stepRuns {
		data.StepRuns[id] = r.Clone()
	}
	for name, st := range s.schedules {
		c := *st
		data.Schedules[name] = &c
	}
	return data
}

// Restore 從快照恢復狀態，會覆蓋目前所有紀錄
//
// 參數：
//   - data: 由 Snapshot 產生、經 internal/snapshot 持久化的快照
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clear()
	for id, n := range data.Nodes {
		c := *n
		s.nodes[id] = &c
	}
	if data.Leader != nil {
		l := *data.Leader
		s.leader = &l
	}
	for id, r := range data.JobRuns {
		s.jobRuns[id] = r.Clone()
	}
	for _, r := range data.StepRuns {
		s.put(r.Clone())
	}
	for name, st := range data.Schedules {
		c := *st
		s.schedules[name] = &c
	}
}
