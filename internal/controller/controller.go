// ============================================================================
// Beaver-Batch 控制器 - 單一節點的核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有唯一的心跳 ticker，依序驅動叢集協調、leader 工作與步驟執行
//
// 架構設計:
//   每個節點一個 Controller，節點之間不直接通訊，全部透過共享儲存協調：
//   - Coordinator: 節點租約、leader 選舉、死亡節點偵測
//   - JobManager:  作業註冊、分派步驟、評估 JobRun（leader 專屬）
//   - Scheduler:   cron 觸發與補觸發（leader 專屬）
//   - Runner:      認領並執行 StepRun（所有節點）
//   - WorkerPool:  評估、延遲觸發與批次項目共用的有界 goroutine 池
//   - Snapshot:    memory 儲存的定期快照（單機部署）
//
// 心跳順序（Tick）:
//   1. coordinator.Tick → NodeInfo
//   2. leader: 釋放死亡節點的認領 → scheduler.OnTick → jobManager.OnTick
//   3. 所有節點: runner.OnTick（背景 drain）
//   任何錯誤都中止本次心跳，下一次心跳從儲存重新推導
//
// 啟動流程（Start）:
//   1. 載入快照（memory 儲存）→ Migrate
//   2. 啟動 Worker Pool
//   3. 釋放本節點上一次執行留下的認領
//   4. 載入排程狀態
//   5. 啟動心跳循環與快照循環
//
// 關閉順序（Stop）:
//   1. close(stopCh) 並取消執行中的 context → 循環與 drain 停止
//   2. loopWg.Wait() / runner.Wait() / scheduler.Wait()，尚未到期的延遲觸發被丟棄
//   3. pool.Stop()
//   4. 最後一次快照
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ChuLiYu/beaver-batch/internal/cluster"
	"github.com/ChuLiYu/beaver-batch/internal/jobmanager"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/scheduler"
	"github.com/ChuLiYu/beaver-batch/internal/snapshot"
	"github.com/ChuLiYu/beaver-batch/internal/step"
	"github.com/ChuLiYu/beaver-batch/internal/store"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/pipeline"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	NodeID           string            // 節點 ID，叢集內唯一
	Heartbeat        time.Duration     // 心跳週期 P
	PurgeMultiplier  int               // 死亡節點在過期多少個 P 後刪除，0 使用預設值
	PoolSize         int               // Worker 數量
	QueueSize        int               // Worker Pool 佇列大小
	PageSize         int               // 批次步驟每頁大小
	InFlight         int               // 批次步驟同時處理的項目上限
	Schedules        []scheduler.Entry // cron 排程
	SnapshotPath     string            // 快照檔案路徑，僅 memory 儲存使用，空字串表示不持久化
	SnapshotInterval time.Duration     // 快照間隔
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	return c
}

// Snapshotter 可以整份匯出與還原狀態的儲存（memory 儲存）
type Snapshotter interface {
	Snapshot() types.SnapshotData
	Restore(data types.SnapshotData)
}

// Status 節點與叢集的狀態摘要
type Status struct {
	NodeID   string               `json:"nodeId"`
	IsLeader bool                 `json:"isLeader"`
	IsBusy   bool                 `json:"isBusy"`
	Uptime   time.Duration        `json:"uptime"`
	Leader   *types.LeaderLease   `json:"leader,omitempty"`
	Nodes    []types.NodeLease    `json:"nodes"`
	JobRuns  map[types.Status]int `json:"jobRuns"`
	Jobs     []string             `json:"jobs"`
}

// Controller 核心控制器
type Controller struct {
	config      Config
	store       store.Store
	registry    *jobmanager.Registry
	pool        *worker.Pool
	coordinator *cluster.Coordinator
	runner      *step.Runner
	jobs        *jobmanager.JobManager
	scheduler   *scheduler.Scheduler
	snapshot    *snapshot.Manager // nil 表示不持久化快照
	snapshotter Snapshotter

	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	tickMu   sync.Mutex // 序列化 Tick
	mu       sync.Mutex // 保護以下欄位
	lastInfo types.NodeInfo
	started  bool
	stopped  bool

	startTime time.Time
	cancel    context.CancelFunc
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// Option 設定 Controller
type Option func(*Controller)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller 並註冊所有作業
//
// 參數：
//   - st: 共享儲存，由呼叫端擁有與關閉
//   - config: Controller 配置
//   - jobs: 要註冊的作業定義
//
// 返回值：
//   - error: 作業或排程定義錯誤時為 types.ErrConfiguration
func New(st store.Store, config Config, jobs []pipeline.Job, opts ...Option) (*Controller, error) {
	config = config.withDefaults()
	if config.NodeID == "" {
		return nil, fmt.Errorf("%w: node id is required", types.ErrConfiguration)
	}

	c := &Controller{
		config: config,
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("nodeID", config.NodeID)
	clock := func() time.Time { return types.Truncate(c.now()) }

	registry, err := jobmanager.NewRegistry(jobs...)
	if err != nil {
		return nil, err
	}
	c.registry = registry
	c.pool = worker.NewPool(config.QueueSize)

	c.runner = step.New(st, registry, c.pool, config.NodeID,
		step.WithPageSize(config.PageSize),
		step.WithInFlight(config.InFlight),
		step.WithLogger(c.logger),
		step.WithMetrics(c.metrics),
		step.WithClock(clock),
	)
	c.coordinator = cluster.New(st, config.NodeID, config.Heartbeat,
		cluster.WithLogger(c.logger),
		cluster.WithMetrics(c.metrics),
		cluster.WithBusyFunc(c.runner.Busy),
		cluster.WithPurgeMultiplier(config.PurgeMultiplier),
	)
	c.jobs = jobmanager.NewJobManager(st, registry, c.pool,
		jobmanager.WithLogger(c.logger),
		jobmanager.WithMetrics(c.metrics),
		jobmanager.WithClock(clock),
	)
	c.scheduler, err = scheduler.New(st, registry, c.jobs, c.pool, config.Heartbeat, config.Schedules,
		scheduler.WithLogger(c.logger),
		scheduler.WithMetrics(c.metrics),
	)
	if err != nil {
		return nil, err
	}

	if snap, ok := st.(Snapshotter); ok && config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
		c.snapshotter = snap
	}
	return c, nil
}

// Init 準備節點但不啟動心跳循環：恢復快照、建立 schema、啟動 Worker Pool、
// 釋放本節點遺留的認領並載入排程狀態。之後由呼叫端驅動 Tick。
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	c.startTime = c.now()

	if err := c.loadSnapshot(); err != nil {
		return err
	}
	if err := c.jobs.Initialise(ctx); err != nil {
		return err
	}
	if err := c.pool.Start(c.config.PoolSize); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if _, err := c.runner.ReleaseOwnClaims(ctx); err != nil {
		return err
	}
	if err := c.scheduler.Initialise(ctx, c.startTime); err != nil {
		return err
	}

	c.logger.Info("Controller initialised",
		"jobs", c.registry.Names(),
		"workers", c.config.PoolSize,
		"heartbeat", c.config.Heartbeat)
	return nil
}

// Start 初始化節點並啟動心跳循環（以及 memory 儲存的快照循環）
//
// 返回值：
//   - error: 初始化失敗的錯誤
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.loopWg.Add(1)
	go c.heartbeatLoop(runCtx)
	if c.snapshot != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.logger.Info("Controller started")
	return nil
}

// loadSnapshot 從快照恢復 memory 儲存
func (c *Controller) loadSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	c.snapshotter.Restore(data)

	c.logger.Info("Snapshot loaded",
		"duration", time.Since(start),
		"jobRuns", len(data.JobRuns),
		"stepRuns", len(data.StepRuns))
	return nil
}

// ============================================================================
// 心跳
// ============================================================================

// Tick 執行一次心跳
//
// 參數：
//   - now: 本次心跳時間
//
// 返回值：
//   - error: 儲存錯誤，本次心跳剩餘的工作被跳過
func (c *Controller) Tick(ctx context.Context, now time.Time) (err error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := time.Now()
	defer func() { c.metrics.ObserveTick(time.Since(start), err) }()

	now = types.Truncate(now)
	info, err := c.coordinator.Tick(ctx, now)
	if err != nil {
		return fmt.Errorf("cluster tick: %w", err)
	}
	c.mu.Lock()
	c.lastInfo = info
	c.mu.Unlock()

	if info.IsLeader {
		if len(info.DeadNodeIDs) > 0 {
			if _, err := c.jobs.ReleaseDeadClaims(ctx, info.DeadNodeIDs); err != nil {
				return fmt.Errorf("release dead claims: %w", err)
			}
		}
		if err := c.scheduler.OnTick(ctx, now); err != nil {
			return fmt.Errorf("scheduler tick: %w", err)
		}
		if err := c.jobs.OnTick(ctx, now); err != nil {
			return fmt.Errorf("job engine tick: %w", err)
		}
	}

	c.runner.OnTick(ctx, info)
	return nil
}

// heartbeatLoop 啟動後立即心跳一次，之後每個週期一次
func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.Heartbeat)
	defer ticker.Stop()

	for {
		if err := c.Tick(ctx, c.now()); err != nil && ctx.Err() == nil {
			c.logger.Error("Heartbeat failed", "error", err)
		}

		select {
		case <-c.stopCh:
			c.logger.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data := c.snapshotter.Snapshot()
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	c.logger.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobRuns", len(data.JobRuns))
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// NodeID 返回本節點 ID
func (c *Controller) NodeID() string {
	return c.config.NodeID
}

// RunJob 啟動一次作業
func (c *Controller) RunJob(ctx context.Context, name string, args types.Args) (*types.JobRun, error) {
	return c.jobs.RunJob(ctx, name, args)
}

// RetryFailedJob 重試作業最新一次失敗的 JobRun
func (c *Controller) RetryFailedJob(ctx context.Context, name string) (*types.JobRun, error) {
	return c.jobs.RetryFailedJob(ctx, name, types.Truncate(c.now()))
}

// JobRun 讀取一筆 JobRun 及其 StepRun
func (c *Controller) JobRun(ctx context.Context, id string) (*types.JobRun, []*types.StepRun, error) {
	jr, err := c.store.GetJobRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := c.jobs.StepRuns(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return jr, steps, nil
}

// ResetCluster 清除儲存中所有紀錄（作業、步驟、節點、leader、排程）
//
// 只應在所有節點停止或測試時使用；排程狀態以目前時間重新建立。
func (c *Controller) ResetCluster(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if c.snapshot != nil {
		if err := c.snapshot.Remove(); err != nil {
			return err
		}
	}
	if err := c.scheduler.Initialise(ctx, c.now()); err != nil {
		return err
	}
	c.logger.Warn("Cluster state reset")
	return nil
}

// Status 取得節點與叢集狀態
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	info := c.lastInfo
	c.mu.Unlock()

	nodes, err := c.store.ListNodeLeases(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list nodes: %w", err)
	}
	leader, err := c.store.GetLeaderLease(ctx)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return Status{}, fmt.Errorf("read leader: %w", err)
	}
	runs, err := c.jobs.ListJobRuns(ctx, "")
	if err != nil {
		return Status{}, fmt.Errorf("list job runs: %w", err)
	}

	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = c.now().Sub(c.startTime)
	}
	return Status{
		NodeID:   c.config.NodeID,
		IsLeader: info.IsLeader,
		IsBusy:   c.runner.Busy(),
		Uptime:   uptime,
		Leader:   leader,
		Nodes:    nodes,
		JobRuns:  lo.CountValuesBy(runs, func(jr *types.JobRun) types.Status { return jr.Status }),
		Jobs:     c.registry.Names(),
	}, nil
}

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	// 1. 通知循環並取消心跳 context（drain 與延遲觸發隨之結束）
	close(c.stopCh)
	if cancel != nil {
		cancel()
	}

	// 2. 等待循環、背景 drain 與延遲觸發退出
	c.loopWg.Wait()
	c.runner.Wait()
	c.scheduler.Wait()

	// 3. 停止 Worker Pool
	c.pool.Stop()

	// 4. 最後一次快照
	if err := c.takeSnapshot(); err != nil {
		c.logger.Error("Failed to take final snapshot", "error", err)
	}

	c.logger.Info("Controller stopped")
}
