// ============================================================================
// Beaver-Batch Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的帶緩衝任務 channel 分發任務，緩衝大小即為排隊上限
//   3. 每個任務對應一個 Future，提交者可以等待（批次視窗）或忽略（fire-and-forget）
//
// 架構組件:
//   ┌──────────────┐
//   │ JobEngine    │ --TrySubmit()--> taskCh
//   │ Scheduler    │ --Submit()-----> taskCh
//   │ StepRunner   │ --Submit()-----> taskCh
//   └──────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ Future.complete()
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) / TrySubmit(task) - 提交任務，取得 Future
//   4. Future.Wait(ctx) - 等待結果
//   5. Stop() - 關閉 stopCh，等待所有 Worker 完成，排隊中的任務以 ErrPoolClosed 結束
//
// 並發控制:
//   - taskCh 永不關閉，Worker 透過 stopCh 退出，因此 Submit 不可能寫入已關閉的 channel
//   - Submit 在讀鎖內完成發送，Stop 取得寫鎖後才標記 stopped，
//     Stop 返回之後不會再有任務進入 taskCh
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務佇列已滿（僅 TrySubmit 會回傳）
	ErrPoolFull = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers []*Worker      // Worker 列表，存儲所有啟動的 Worker 實例
	taskCh  chan job       // 任務通道，用於分發任務給 Worker
	stopCh  chan struct{}  // 停止訊號，用於通知 Worker 停止工作
	wg      sync.WaitGroup // 等待所有 Worker 完成的同步工具
	started bool           // 標誌 Pool 是否已啟動
	stopped bool           // 標誌 Pool 是否已停止
	mu      sync.RWMutex   // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan job, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - workerCount: 要啟動的 Worker 數量
//
// 返回值：
//   - error: 如果 Pool 已啟動則返回錯誤
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，佇列已滿時阻塞等待
//
// 參數：
//   - task: 要執行的任務
//
// 返回值：
//   - *Future: 用於等待結果
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	f := newFuture()
	select {
	case p.taskCh <- job{task: task, future: f}:
		return f, nil
	case <-p.stopCh:
		return nil, ErrPoolClosed
	}
}

// TrySubmit 與 Submit 相同，但佇列已滿時立即返回 ErrPoolFull
func (p *Pool) TrySubmit(task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	f := newFuture()
	select {
	case p.taskCh <- job{task: task, future: f}:
		return f, nil
	default:
		return nil, ErrPoolFull
	}
}

// checkOpen 呼叫端需持有鎖
func (p *Pool) checkOpen() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	return nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 取得寫鎖並設定 stopped 標誌（等待進行中的 Submit 完成發送）
//  2. 關閉 stopCh，通知所有 Worker 停止接收新任務
//  3. 等待所有 Worker 完成當前任務
//  4. 仍在佇列中的任務以 ErrPoolClosed 結束其 Future
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case j := <-p.taskCh:
			j.future.complete(Result{TaskID: j.task.ID, Error: ErrPoolClosed})
		default:
			return
		}
	}
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// QueueLen 返回排隊中、尚未被 Worker 取走的任務數
func (p *Pool) QueueLen() int {
	return len(p.taskCh)
}
