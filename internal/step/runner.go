// ============================================================================
// Beaver-Batch Step Runner - 步驟認領與執行
// ============================================================================
//
// Package: internal/step
// 文件: runner.go
// 功能: 在每次心跳時從共享儲存認領 StepRun 並執行
//
// 執行模型:
//   - OnTick 在節點不忙碌時啟動一個背景 drain goroutine，
//     心跳 goroutine 不會被使用者程式碼卡住，租約續約不受影響
//   - drain 反覆認領（claimed false→true）並執行，直到沒有可認領的 StepRun
//   - 同一時間最多一個 drain；Busy() 回報給 NodeInfo.IsBusy
//
// 狀態轉換:
//   NEW/RUNNING --claim--> RUNNING --成功--> COMPLETE
//                                  --失敗/panic--> FAILED
//
// 錯誤處理:
//   - 使用者程式碼失敗: StepRun 標記 FAILED，回傳 types.ErrStepExecution，drain 繼續
//   - 儲存錯誤: drain 中止，下一次心跳重新開始
//
// ============================================================================

package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// 預設批次參數
const (
	DefaultPageSize = 100
	DefaultInFlight = 16
)

// StepResolver 依 (jobName, stepName) 找到註冊時解析好的步驟能力
type StepResolver interface {
	ResolveStep(jobName, stepName string) (pipeline.Descriptor, error)
}

// Runner 步驟執行器
type Runner struct {
	store    store.StepStore
	steps    StepResolver
	pool     *worker.Pool
	nodeID   string
	pageSize int
	inFlight int
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	draining atomic.Bool
	wg       sync.WaitGroup
}

// Option 設定 Runner
type Option func(*Runner)

// WithPageSize 設定批次讀取的頁面大小
func WithPageSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithInFlight 設定批次項目同時提交到 worker pool 的上限
func WithInFlight(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.inFlight = n
		}
	}
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New 建立 Runner
//
// 參數：
//   - st: StepRun 儲存
//   - steps: 步驟能力查詢
//   - pool: 批次項目使用的 worker pool（需已啟動）
//   - nodeID: 認領時寫入 claimingNodeId
func New(st store.StepStore, steps StepResolver, pool *worker.Pool, nodeID string, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		steps:    steps,
		pool:     pool,
		nodeID:   nodeID,
		pageSize: DefaultPageSize,
		inFlight: DefaultInFlight,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Busy 回報是否正在 drain
func (r *Runner) Busy() bool {
	return r.draining.Load()
}

// OnTick 節點不忙碌時啟動背景 drain
func (r *Runner) OnTick(ctx context.Context, info types.NodeInfo) {
	if info.IsBusy || !r.draining.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.draining.Store(false)
		if _, err := r.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Step drain aborted", "nodeID", r.nodeID, "error", err)
		}
	}()
}

// Drain 同步地認領並執行 StepRun 直到沒有剩餘，返回執行的數量。
// 已有 drain 在進行時直接返回 0。
func (r *Runner) Drain(ctx context.Context) (int, error) {
	if !r.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.draining.Store(false)
	return r.drain(ctx)
}

// Wait 等待背景 drain 結束
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) drain(ctx context.Context) (int, error) {
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		sr, err := r.store.ClaimStepRun(ctx, r.nodeID, r.now())
		if err != nil {
			return executed, fmt.Errorf("claim step run: %w", err)
		}
		if sr == nil {
			return executed, nil
		}
		r.metrics.StepRunClaimed()

		if err := r.Execute(ctx, sr); err != nil && !errors.Is(err, types.ErrStepExecution) {
			return executed, err
		}
		executed++
	}
}

// Execute 執行一個已認領的 StepRun 並寫回最終狀態
//
// 返回值：
//   - error: 使用者程式碼失敗時包裝 types.ErrStepExecution；儲存失敗時為儲存錯誤
func (r *Runner) Execute(ctx context.Context, sr *types.StepRun) error {
	start := r.now()
	sr.Status = types.StatusRunning
	if sr.StartedAt.IsZero() {
		sr.StartedAt = start
	}
	sr.LastUpdateAt = start
	sr.Error = ""
	if err := r.store.UpdateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("mark step run %s running: %w", sr.ID, err)
	}

	sc := pipeline.NewStepContext(ctx, sr, r.logger)
	runErr := r.run(sc, sr)

	finish := r.now()
	sr.LastUpdateAt = finish
	sr.ItemsProcessed = sc.ItemsProcessed()
	if runErr != nil {
		sr.Status = types.StatusFailed
		sr.Error = runErr.Error()
	} else {
		sr.Status = types.StatusComplete
		sr.CompletedAt = finish
	}
	r.metrics.StepRunFinished(finish.Sub(start), runErr != nil)

	// 步驟已經執行過，結果即使在關閉中也要寫回
	if err := r.store.UpdateStepRun(context.WithoutCancel(ctx), sr); err != nil {
		return fmt.Errorf("record step run %s result: %w", sr.ID, err)
	}

	attrs := []any{
		"jobRunID", sr.JobRunID,
		"stepRunID", sr.ID,
		"step", sr.StepName,
		"itemsProcessed", sr.ItemsProcessed,
		"duration", finish.Sub(start),
	}
	if sr.Partition != nil {
		attrs = append(attrs, "partition", sr.Partition.Num)
	}
	if runErr != nil {
		r.logger.Error("Step run failed", append(attrs, "error", runErr)...)
		return fmt.Errorf("%w: step %s of job run %s: %w", types.ErrStepExecution, sr.StepName, sr.JobRunID, runErr)
	}
	r.logger.Info("Step run completed", attrs...)
	return nil
}

// run 執行使用者程式碼，panic 轉為錯誤
func (r *Runner) run(sc *pipeline.StepContext, sr *types.StepRun) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	desc, err := r.steps.ResolveStep(sr.JobName, sr.StepName)
	if err != nil {
		return err
	}
	switch desc.Kind {
	case pipeline.KindSimple:
		return desc.Simple.Run(sc)
	case pipeline.KindBatch:
		return r.runBatch(sc, desc.Batch)
	}
	return fmt.Errorf("%w: step %q has kind %s", types.ErrConfiguration, desc.Name, desc.Kind)
}

// ReleaseOwnClaims 清除本節點仍持有的未完成認領。
// 以相同 nodeID 重啟時呼叫，前一次執行留下的 RUNNING 步驟才會被重新認領。
func (r *Runner) ReleaseOwnClaims(ctx context.Context) (int, error) {
	runs, err := r.store.ListStepRunsClaimedBy(ctx, r.nodeID)
	if err != nil {
		return 0, fmt.Errorf("list own claims: %w", err)
	}
	released := 0
	for _, sr := range runs {
		if sr.Status.Terminal() {
			continue
		}
		ok, err := r.store.ReleaseStepRunClaim(ctx, sr.ID, r.nodeID)
		if err != nil {
			return released, fmt.Errorf("release step run %s: %w", sr.ID, err)
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		r.logger.Info("Released claims left by previous run", "nodeID", r.nodeID, "count", released)
	}
	return released, nil
}
