// ============================================================================
// Beaver-Batch Cron Scheduler - leader 專屬的排程觸發
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 每次心跳檢查排程，必要時觸發 RunJob；支援 leader 換手後的補觸發
//
// 觸發判斷（每個排程，P 為心跳週期）:
//   nextFireTime = cron.Next(now - 3P)
//   gap          = nextFireTime - now
//
//   正常觸發: 0 <= gap < P       → 下一個觸發點落在本次心跳之內
//   補觸發:   -3P < gap < 0      → 觸發點已過，可能是前任 leader 來不及處理
//
//   兩種情況都只在記憶體中的 lastRunAt != nextFireTime 時才考慮，
//   並以儲存中的 ScheduleState 為準：儲存的 lastRunAt 不早於 nextFireTime
//   代表其他 leader 已處理過，直接採用
//
// 觸發流程:
//   1. 先寫入 lastRunAt = nextFireTime（記憶體 + 儲存）
//   2. 在獨立 goroutine 等待 max(0, gap) + 1s，之後才把
//      RunJob(jobName, args ∪ {startedAt: nextFireTime}) 提交給 worker pool
//
// Cron 表達式:
//   五欄位（分 時 日 月 週，秒固定為 0），支援 @daily、@hourly 等描述符，
//   以及 CRON_TZ= 前綴指定時區
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry 一個排程設定
type Entry struct {
	JobName string
	Cron    string
	Args    types.Args
}

// JobRunner 觸發作業的對象（JobManager）
type JobRunner interface {
	RunJob(ctx context.Context, name string, args types.Args) (*types.JobRun, error)
}

// JobLookup 驗證排程指向已註冊的作業
type JobLookup interface {
	Job(name string) (pipeline.Job, bool)
}

type schedule struct {
	Entry
	cron      cron.Schedule
	lastRunAt time.Time
}

// Scheduler 排程器
type Scheduler struct {
	store     store.ScheduleStore
	runner    JobRunner
	pool      *worker.Pool
	period    time.Duration
	schedules []*schedule
	logger    *slog.Logger
	metrics   *metrics.Collector
	sleep     func(ctx context.Context, d time.Duration) error
	pending   sync.WaitGroup // 尚在等待的延遲觸發
}

// Option 設定 Scheduler
type Option func(*Scheduler)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSleep 替換觸發前的等待（測試用）
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// New 建立排程器並驗證所有排程
//
// 參數：
//   - st: 排程狀態儲存
//   - jobs: 已註冊作業，用於驗證排程
//   - runner: 觸發作業
//   - pool: 延遲觸發使用的 worker pool
//   - period: 心跳週期 P
//   - entries: 排程設定
//
// 返回值：
//   - error: 作業未註冊或 cron 表達式錯誤時為 types.ErrConfiguration
func New(st store.ScheduleStore, jobs JobLookup, runner JobRunner, pool *worker.Pool, period time.Duration, entries []Entry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:  st,
		runner: runner,
		pool:   pool,
		period: period,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(s)
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, ok := jobs.Job(e.JobName); !ok {
			return nil, fmt.Errorf("%w: schedule for unknown job %q", types.ErrConfiguration, e.JobName)
		}
		if seen[e.JobName] {
			return nil, fmt.Errorf("%w: job %q scheduled twice", types.ErrConfiguration, e.JobName)
		}
		seen[e.JobName] = true

		sched, err := cronParser.Parse(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %q for job %q: %w", types.ErrConfiguration, e.Cron, e.JobName, err)
		}
		s.schedules = append(s.schedules, &schedule{Entry: e, cron: sched})
	}
	return s, nil
}

// Wait 等待所有延遲觸發結束；ctx 取消後尚未到期的觸發會被丟棄
func (s *Scheduler) Wait() {
	s.pending.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialise 載入或建立每個排程的 ScheduleState
//
// 沒有紀錄的排程以 nodeStart - P 作為 lastRunAt，節點啟動前的觸發點不會補觸發。
func (s *Scheduler) Initialise(ctx context.Context, nodeStart time.Time) error {
	for _, sc := range s.schedules {
		state, err := s.store.GetScheduleState(ctx, sc.JobName)
		switch {
		case errors.Is(err, types.ErrNotFound):
			sc.lastRunAt = types.Truncate(nodeStart.Add(-s.period))
			if err := s.store.SaveScheduleState(ctx, types.ScheduleState{
				JobName:               sc.JobName,
				LastFireTimeProcessed: sc.lastRunAt,
			}); err != nil {
				return fmt.Errorf("create schedule state for %q: %w", sc.JobName, err)
			}
		case err != nil:
			return fmt.Errorf("load schedule state for %q: %w", sc.JobName, err)
		default:
			sc.lastRunAt = state.LastFireTimeProcessed
		}
		s.logger.Debug("Schedule loaded", "job", sc.JobName, "cron", sc.Cron, "lastRunAt", sc.lastRunAt)
	}
	return nil
}

// OnTick 檢查所有排程（僅 leader 呼叫）
func (s *Scheduler) OnTick(ctx context.Context, now time.Time) error {
	for _, sc := range s.schedules {
		if err := s.check(ctx, sc, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) check(ctx context.Context, sc *schedule, now time.Time) error {
	window := 3 * s.period
	next := types.Truncate(sc.cron.Next(now.Add(-window)))
	gap := next.Sub(now)

	due := gap >= 0 && gap < s.period
	catchUp := gap < 0 && gap > -window
	if !(due || catchUp) || sc.lastRunAt.Equal(next) {
		return nil
	}

	state, err := s.store.GetScheduleState(ctx, sc.JobName)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("read schedule state for %q: %w", sc.JobName, err)
	}
	if err == nil && !state.LastFireTimeProcessed.Before(next) {
		sc.lastRunAt = state.LastFireTimeProcessed
		return nil
	}

	return s.fire(ctx, sc, next, gap)
}

func (s *Scheduler) fire(ctx context.Context, sc *schedule, next time.Time, gap time.Duration) error {
	if err := s.store.SaveScheduleState(ctx, types.ScheduleState{JobName: sc.JobName, LastFireTimeProcessed: next}); err != nil {
		return fmt.Errorf("save schedule state for %q: %w", sc.JobName, err)
	}
	sc.lastRunAt = next

	delay := max(0, gap) + time.Second
	args := sc.Args.Merge(types.Args{types.ArgStartedAt: next})
	name := sc.JobName

	// 等待期間不佔用 worker，時間到才把 RunJob 交給 pool
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Warn("Scheduled run dropped", "job", name, "fireTime", next, "error", err)
			return
		}
		_, err := s.pool.Submit(worker.Task{
			ID: fmt.Sprintf("cron/%s/%d", name, types.ToMillis(next)),
			Run: func(context.Context) (any, error) {
				jr, err := s.runner.RunJob(ctx, name, args)
				if err != nil {
					s.logger.Error("Scheduled run failed to start", "job", name, "fireTime", next, "error", err)
					return nil, err
				}
				return jr, nil
			},
		})
		if err != nil {
			s.logger.Warn("Scheduled run dropped", "job", name, "fireTime", next, "error", err)
		}
	}()

	s.metrics.CronFired()
	s.logger.Info("Schedule fired", "job", name, "fireTime", next, "catchUp", gap < 0)
	return nil
}
