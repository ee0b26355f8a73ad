package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string                                 // 任務識別碼，用於日誌
	Run     func(ctx context.Context) (any, error) // 任務本體
	Timeout time.Duration                          // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Value    any           // 任務回傳值
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 回報任務是否成功
func (r Result) Success() bool {
	return r.Error == nil
}

// Future 代表一個已提交、尚未完成的任務
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(r Result) {
	f.result = r
	close(f.done)
}

// Done 在任務完成時關閉
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait 等待任務完成，ctx 取消時提前返回
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
