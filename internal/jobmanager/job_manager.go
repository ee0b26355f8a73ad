// ============================================================================
// Beaver-Batch 作業引擎 - JobRun 狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 建立 JobRun、分派步驟、評估完成度並推進 pipeline
//
// 設計理念:
//   共享儲存是單一真實來源，Manager 本身不保存任何 JobRun 狀態：
//   1. RunJob 建立 JobRun(RUNNING) 並分派第一個步驟
//   2. leader 每次心跳對每個 RUNNING 的 JobRun 提交一次評估到 worker pool
//   3. 評估從 StepRun 重新推導狀態，因此 leader 換手後可以直接接手
//
// 狀態轉換 (State Machine):
//   JobRun:  RUNNING ──當前步驟完成──→ 分派下一步 / OnComplete → COMPLETE
//                    ──當前步驟失敗──→ FAILED
//            FAILED  ──RetryFailedJob──→ RUNNING
//   StepRun: NEW → RUNNING → COMPLETE / FAILED；FAILED ──retry──→ NEW
//
// 完成判定:
//   分區步驟: COMPLETE 數 == partitionCount
//   分區步驟失敗: COMPLETE + FAILED == partitionCount 且 FAILED > 0
//   非分區步驟: 唯一一筆 StepRun 為 COMPLETE / FAILED
//
// 冪等性:
//   Dispatch 發現 (jobRunId, stepName) 已有 StepRun 時不再寫入，
//   新 leader 重複推進同一步驟不會產生重複的工作
//
// 並發安全:
//   - evaluating (sync.Map) 保證同一節點上一個 JobRun 同時只有一個評估
//   - 評估以 TrySubmit 提交，worker pool 滿載時跳過，下一次心跳重新推導
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// JobManager 作業引擎
type JobManager struct {
	store    store.Store
	registry *Registry
	pool     *worker.Pool
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	evaluating sync.Map // jobRunID → struct{}
}

// Option 設定 JobManager
type Option func(*JobManager)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(m *JobManager) { m.logger = l }
}

// WithMetrics 設定指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(m *JobManager) { m.metrics = c }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *JobManager) { m.now = now }
}

// NewJobManager 建立作業引擎
//
// 參數：
//   - st: 共享儲存
//   - registry: 已驗證的作業註冊表
//   - pool: 評估任務使用的 worker pool
func NewJobManager(st store.Store, registry *Registry, pool *worker.Pool, opts ...Option) *JobManager {
	m := &JobManager{
		store:    st,
		registry: registry,
		pool:     pool,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialise 確保儲存的 schema 與索引存在
func (m *JobManager) Initialise(ctx context.Context) error {
	if err := m.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// ============================================================================
// 啟動作業
// ============================================================================

// RunJob 建立並啟動一個 JobRun
//
// 參數：
//   - name: 已註冊的作業名稱
//   - args: 作業參數，會傳給每個步驟
//
// 返回值：
//   - *types.JobRun: 新建立的 JobRun
//   - error: 作業未註冊時為 types.ErrNotFound；OnStart 或分派失敗時 JobRun 已標記 FAILED
func (m *JobManager) RunJob(ctx context.Context, name string, args types.Args) (*types.JobRun, error) {
	job, ok := m.registry.Job(name)
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, types.ErrNotFound)
	}
	first, err := m.registry.firstStep(name)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if args == nil {
		args = types.Args{}
	}
	jr := &types.JobRun{
		ID:           types.NewID(),
		JobName:      name,
		Args:         args.Clone(),
		Status:       types.StatusRunning,
		StartedAt:    now,
		LastUpdateAt: now,
	}
	if err := m.store.CreateJobRun(ctx, jr); err != nil {
		return nil, fmt.Errorf("create job run for %q: %w", name, err)
	}
	m.metrics.JobRunStarted()
	m.logger.Info("Job run started", "job", name, "jobRunID", jr.ID)

	if err := job.OnStart(ctx, jr.Args.Clone()); err != nil {
		err = fmt.Errorf("job %q on start: %w", name, err)
		return jr, m.fail(ctx, jr, err)
	}
	if err := m.Dispatch(ctx, first, jr.Args, jr); err != nil {
		err = fmt.Errorf("job %q dispatch %q: %w", name, first.Name, err)
		return jr, m.fail(ctx, jr, err)
	}
	return jr, nil
}

// ============================================================================
// 分派
// ============================================================================

// Dispatch 把步驟寫成 StepRun
//
// 分區步驟每個分區一筆，分區數為 0 時視為非分區，分區數為 1 是
// types.ErrInvariantViolation。JobRun 的當前步驟欄位先於 StepRun 寫入；
// 該步驟已有 StepRun 時只校正 JobRun，不再寫入。
func (m *JobManager) Dispatch(ctx context.Context, step pipeline.Descriptor, args types.Args, jr *types.JobRun) error {
	var partitions []types.Args
	if step.Partitioner != nil {
		var err error
		partitions, err = step.Partitioner.Partitions(args.Clone())
		if err != nil {
			return fmt.Errorf("partition step %q: %w", step.Name, err)
		}
		if len(partitions) == 1 {
			return fmt.Errorf("%w: step %q returned a single partition", types.ErrInvariantViolation, step.Name)
		}
	}

	existing, err := m.store.ListStepRuns(ctx, jr.ID, step.Name)
	if err != nil {
		return fmt.Errorf("list step runs of %q: %w", step.Name, err)
	}
	count := len(partitions)
	if len(existing) > 0 {
		// 沿用已寫入的分區數
		count = 0
		if existing[0].Partition != nil {
			count = len(existing)
		}
	}

	now := m.now()
	jr.CurrentStepName = step.Name
	jr.CurrentStepPartitionCount = count
	jr.CurrentStepPartitionsCompletedCount = lo.CountBy(existing, isComplete)
	jr.LastUpdateAt = now
	if err := m.store.UpdateJobRun(ctx, jr); err != nil {
		return fmt.Errorf("update job run %s: %w", jr.ID, err)
	}

	if len(existing) > 0 {
		m.logger.Debug("Step already dispatched", "jobRunID", jr.ID, "step", step.Name, "stepRuns", len(existing))
		return nil
	}

	runs := make([]*types.StepRun, 0, max(1, len(partitions)))
	newRun := func() *types.StepRun {
		return &types.StepRun{
			ID:           types.NewID(),
			JobRunID:     jr.ID,
			JobName:      jr.JobName,
			StepName:     step.Name,
			Args:         args.Clone(),
			Status:       types.StatusNew,
			LastUpdateAt: now,
		}
	}
	if len(partitions) == 0 {
		runs = append(runs, newRun())
	}
	for i, p := range partitions {
		sr := newRun()
		sr.Partition = &types.Partition{Num: i, Total: len(partitions), Args: p.Clone()}
		runs = append(runs, sr)
	}
	if err := m.store.CreateStepRuns(ctx, runs); err != nil {
		return fmt.Errorf("create step runs of %q: %w", step.Name, err)
	}

	m.logger.Info("Step dispatched", "jobRunID", jr.ID, "step", step.Name, "partitions", len(partitions))
	return nil
}

// ============================================================================
// 評估
// ============================================================================

// OnTick 對每個 RUNNING 的 JobRun 提交一次評估（fire-and-forget）
func (m *JobManager) OnTick(ctx context.Context, now time.Time) error {
	runs, err := m.store.ListJobRuns(ctx, store.JobRunFilter{Status: types.StatusRunning})
	if err != nil {
		return fmt.Errorf("list running job runs: %w", err)
	}

	for _, jr := range runs {
		if _, running := m.evaluating.LoadOrStore(jr.ID, struct{}{}); running {
			continue
		}
		_, err := m.pool.TrySubmit(worker.Task{
			ID: "evaluate/" + jr.ID,
			Run: func(context.Context) (any, error) {
				defer m.evaluating.Delete(jr.ID)
				if err := m.Evaluate(ctx, jr, now); err != nil {
					m.logger.Error("Job evaluation failed", "jobRunID", jr.ID, "job", jr.JobName, "error", err)
					return nil, err
				}
				return nil, nil
			},
		})
		if err != nil {
			m.evaluating.Delete(jr.ID)
			if errors.Is(err, worker.ErrPoolFull) {
				m.logger.Debug("Worker pool full, evaluation deferred", "jobRunID", jr.ID)
				continue
			}
			return fmt.Errorf("submit evaluation of %s: %w", jr.ID, err)
		}
	}
	return nil
}

// Outcome 當前步驟的完成度
type Outcome struct {
	Completed int
	Failed    int
	Complete  bool
	HasFailed bool
}

func isComplete(sr *types.StepRun) bool {
	return sr.Status == types.StatusComplete
}

func isFailed(sr *types.StepRun) bool {
	return sr.Status == types.StatusFailed
}

// StepOutcome 從 StepRun 計算步驟是否完成或失敗
//
// 參數：
//   - runs: 同一 (jobRunId, stepName) 的所有 StepRun
//   - partitionCount: JobRun 記錄的分區數，0 表示非分區
func StepOutcome(runs []*types.StepRun, partitionCount int) Outcome {
	o := Outcome{
		Completed: lo.CountBy(runs, isComplete),
		Failed:    lo.CountBy(runs, isFailed),
	}
	if partitionCount > 0 {
		o.Complete = o.Completed == partitionCount
		o.HasFailed = o.Failed > 0 && o.Completed+o.Failed == partitionCount
		return o
	}
	if len(runs) == 1 {
		o.Complete = isComplete(runs[0])
		o.HasFailed = isFailed(runs[0])
	}
	return o
}

// Evaluate 評估 JobRun 的當前步驟並推進狀態機
func (m *JobManager) Evaluate(ctx context.Context, jr *types.JobRun, now time.Time) error {
	runs, err := m.store.ListStepRuns(ctx, jr.ID, jr.CurrentStepName)
	if err != nil {
		return fmt.Errorf("list step runs of %s: %w", jr.ID, err)
	}
	if len(runs) == 0 {
		return m.redispatch(ctx, jr)
	}

	out := StepOutcome(runs, jr.CurrentStepPartitionCount)
	progressed := out.Completed != jr.CurrentStepPartitionsCompletedCount
	jr.CurrentStepPartitionsCompletedCount = out.Completed

	switch {
	case out.Complete:
		return m.advance(ctx, jr, now)
	case out.HasFailed:
		failed, _ := lo.Find(runs, isFailed)
		return m.fail(ctx, jr, fmt.Errorf("step %q failed: %s", jr.CurrentStepName, failed.Error))
	case progressed:
		jr.LastUpdateAt = now
		if err := m.store.UpdateJobRun(ctx, jr); err != nil {
			return fmt.Errorf("update job run %s: %w", jr.ID, err)
		}
	}
	return nil
}

// redispatch 當前步驟沒有任何 StepRun：分派在更新 JobRun 之後、寫入 StepRun
// 之前中斷（儲存錯誤或 leader 失效），重新分派同一步驟。步驟未註冊時仍是
// types.ErrInvariantViolation。
func (m *JobManager) redispatch(ctx context.Context, jr *types.JobRun) error {
	step, err := m.registry.ResolveStep(jr.JobName, jr.CurrentStepName)
	if err != nil {
		return fmt.Errorf("%w: job run %s has no step runs for %q: %v", types.ErrInvariantViolation, jr.ID, jr.CurrentStepName, err)
	}

	m.logger.Warn("Step runs missing, dispatching again", "jobRunID", jr.ID, "step", step.Name)
	if err := m.Dispatch(ctx, step, jr.Args, jr); err != nil {
		if errors.Is(err, types.ErrStore) {
			return err
		}
		return m.fail(ctx, jr, fmt.Errorf("dispatch %q: %w", step.Name, err))
	}
	return nil
}

// advance 當前步驟完成：分派下一步，或結束作業
func (m *JobManager) advance(ctx context.Context, jr *types.JobRun, now time.Time) error {
	next, ok, err := m.registry.nextStep(jr.JobName, jr.CurrentStepName)
	if err != nil {
		return m.fail(ctx, jr, err)
	}
	if ok {
		if err := m.Dispatch(ctx, next, jr.Args, jr); err != nil {
			if errors.Is(err, types.ErrStore) {
				return err
			}
			return m.fail(ctx, jr, fmt.Errorf("dispatch %q: %w", next.Name, err))
		}
		return nil
	}

	job, _ := m.registry.Job(jr.JobName)
	if err := job.OnComplete(ctx, jr.Args.Clone()); err != nil {
		return m.fail(ctx, jr, fmt.Errorf("job %q on complete: %w", jr.JobName, err))
	}

	jr.Status = types.StatusComplete
	jr.CompletedAt = now
	jr.LastUpdateAt = now
	if err := m.store.UpdateJobRun(ctx, jr); err != nil {
		return fmt.Errorf("complete job run %s: %w", jr.ID, err)
	}
	m.metrics.JobRunCompleted()
	m.logger.Info("Job run completed", "job", jr.JobName, "jobRunID", jr.ID, "duration", now.Sub(jr.StartedAt))
	return nil
}

// fail 把 JobRun 標記為 FAILED 並返回原因
func (m *JobManager) fail(ctx context.Context, jr *types.JobRun, cause error) error {
	now := m.now()
	jr.Status = types.StatusFailed
	jr.Error = cause.Error()
	jr.CompletedAt = now
	jr.LastUpdateAt = now
	if err := m.store.UpdateJobRun(context.WithoutCancel(ctx), jr); err != nil {
		return errors.Join(cause, fmt.Errorf("mark job run %s failed: %w", jr.ID, err))
	}
	m.metrics.JobRunFailed()
	m.logger.Error("Job run failed", "job", jr.JobName, "jobRunID", jr.ID, "error", cause)
	return cause
}

// ============================================================================
// 故障恢復與重試
// ============================================================================

// ReleaseDeadClaims 清除死亡節點持有的認領，StepRun 狀態不變
//
// 返回值：
//   - int: 釋放的認領數
func (m *JobManager) ReleaseDeadClaims(ctx context.Context, deadNodeIDs []string) (int, error) {
	released := 0
	for _, nodeID := range deadNodeIDs {
		runs, err := m.store.ListStepRunsClaimedBy(ctx, nodeID)
		if err != nil {
			return released, fmt.Errorf("list claims of %s: %w", nodeID, err)
		}
		for _, sr := range runs {
			ok, err := m.store.ReleaseStepRunClaim(ctx, sr.ID, nodeID)
			if err != nil {
				return released, fmt.Errorf("release step run %s: %w", sr.ID, err)
			}
			if ok {
				released++
			}
		}
		if len(runs) > 0 {
			m.logger.Warn("Released claims of dead node", "nodeID", nodeID, "count", len(runs))
		}
	}
	m.metrics.ClaimsReleased(released)
	return released, nil
}

// RetryFailedJob 重試作業最新一次失敗的 JobRun
//
// 每個 FAILED 的 StepRun 回到 NEW（未認領、retryCount+1），JobRun 回到 RUNNING。
// 失敗發生在任何步驟寫入之前時，重新分派當前步驟。
//
// 返回值：
//   - *types.JobRun: 被重試的 JobRun
//   - error: 作業未註冊或沒有失敗的 JobRun 時為 types.ErrNotFound
func (m *JobManager) RetryFailedJob(ctx context.Context, name string, now time.Time) (*types.JobRun, error) {
	if _, ok := m.registry.Job(name); !ok {
		return nil, fmt.Errorf("job %q: %w", name, types.ErrNotFound)
	}
	failedRuns, err := m.store.ListJobRuns(ctx, store.JobRunFilter{JobName: name, Status: types.StatusFailed})
	if err != nil {
		return nil, fmt.Errorf("list failed runs of %q: %w", name, err)
	}
	jr, ok := lo.Last(failedRuns)
	if !ok {
		return nil, fmt.Errorf("failed run of job %q: %w", name, types.ErrNotFound)
	}

	runs, err := m.store.ListStepRuns(ctx, jr.ID, "")
	if err != nil {
		return nil, fmt.Errorf("list step runs of %s: %w", jr.ID, err)
	}
	reset := lo.Filter(runs, func(sr *types.StepRun, _ int) bool { return isFailed(sr) })
	for _, sr := range reset {
		sr.Status = types.StatusNew
		sr.Claimed = false
		sr.ClaimingNodeID = ""
		sr.RetryCount++
		sr.Error = ""
		sr.StartedAt = time.Time{}
		sr.CompletedAt = time.Time{}
		sr.LastUpdateAt = now
		if err := m.store.UpdateStepRun(ctx, sr); err != nil {
			return nil, fmt.Errorf("reset step run %s: %w", sr.ID, err)
		}
	}

	jr.Status = types.StatusRunning
	jr.Error = ""
	jr.CompletedAt = time.Time{}
	jr.LastUpdateAt = now

	hasCurrent := jr.CurrentStepName != "" && lo.ContainsBy(runs, func(sr *types.StepRun) bool {
		return sr.StepName == jr.CurrentStepName
	})
	if !hasCurrent {
		step, err := m.currentOrFirstStep(jr)
		if err != nil {
			return nil, err
		}
		if err := m.Dispatch(ctx, step, jr.Args, jr); err != nil {
			return nil, fmt.Errorf("redispatch %q: %w", step.Name, err)
		}
	} else if err := m.store.UpdateJobRun(ctx, jr); err != nil {
		return nil, fmt.Errorf("resume job run %s: %w", jr.ID, err)
	}

	m.logger.Info("Job run retried", "job", name, "jobRunID", jr.ID, "stepRunsReset", len(reset))
	return jr, nil
}

func (m *JobManager) currentOrFirstStep(jr *types.JobRun) (pipeline.Descriptor, error) {
	if jr.CurrentStepName != "" {
		return m.registry.ResolveStep(jr.JobName, jr.CurrentStepName)
	}
	return m.registry.firstStep(jr.JobName)
}

// ============================================================================
// 查詢
// ============================================================================

// ListJobRuns 依狀態列出 JobRun，空字串表示全部
func (m *JobManager) ListJobRuns(ctx context.Context, status types.Status) ([]*types.JobRun, error) {
	return m.store.ListJobRuns(ctx, store.JobRunFilter{Status: status})
}

// StepRuns 列出 JobRun 的所有 StepRun
func (m *JobManager) StepRuns(ctx context.Context, jobRunID string) ([]*types.StepRun, error) {
	return m.store.ListStepRuns(ctx, jobRunID, "")
}

// Registry 返回作業註冊表
func (m *JobManager) Registry() *Registry {
	return m.registry
}
