package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valueTask(id string, v any) Task {
	return Task{
		ID:  id,
		Run: func(ctx context.Context) (any, error) { return v, nil },
	}
}

func startPool(t *testing.T, buffer, workers int) *Pool {
	t.Helper()
	pool := NewPool(buffer)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	assert.Error(t, NewPool(1).Start(0))
}

// TestWorkerExecution tests that every submitted task completes its future
func TestWorkerExecution(t *testing.T) {
	pool := startPool(t, 10, 1)

	futures := make([]*Future, 0, 10)
	for i := 0; i < 10; i++ {
		f, err := pool.Submit(valueTask(fmt.Sprintf("task-%d", i), i))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		res, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Success())
		assert.Equal(t, i, res.Value)
		assert.Equal(t, fmt.Sprintf("task-%d", i), res.TaskID)
	}
}

// TestTimeout tests task timeout through the task context
func TestTimeout(t *testing.T) {
	pool := startPool(t, 1, 1)

	f, err := pool.Submit(Task{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Error, context.DeadlineExceeded)
}

// TestPanicRecovered tests that a panicking task fails instead of killing the worker
func TestPanicRecovered(t *testing.T) {
	pool := startPool(t, 2, 1)

	f, err := pool.Submit(Task{ID: "boom", Run: func(ctx context.Context) (any, error) { panic("bad item") }})
	require.NoError(t, err)
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "bad item")

	// the same single worker is still alive
	f, err = pool.Submit(valueTask("after", "ok"))
	require.NoError(t, err)
	res, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

// TestConcurrency tests that tasks run in parallel up to the worker count
func TestConcurrency(t *testing.T) {
	const workers = 4
	pool := startPool(t, 16, workers)

	var running, peak atomic.Int32
	release := make(chan struct{})
	var futures []*Future
	for i := 0; i < workers*2; i++ {
		f, err := pool.Submit(Task{
			ID: fmt.Sprint(i),
			Run: func(ctx context.Context) (any, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil, nil
			},
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	require.Eventually(t, func() bool { return peak.Load() == workers }, time.Second, 5*time.Millisecond)
	close(release)
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(workers), peak.Load())
}

// TestConcurrentSubmit tests submitting from many goroutines
func TestConcurrentSubmit(t *testing.T) {
	pool := startPool(t, 100, 4)

	var done atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				f, err := pool.Submit(Task{ID: "x", Run: func(ctx context.Context) (any, error) {
					done.Add(1)
					return nil, nil
				}})
				if assert.NoError(t, err) {
					_, _ = f.Wait(context.Background())
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(200), done.Load())
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

// TestGracefulShutdown tests that Stop waits for running tasks and fails queued ones
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	var finished atomic.Bool
	running, err := pool.Submit(Task{ID: "running", Run: func(ctx context.Context) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	}})
	require.NoError(t, err)
	<-started

	queued, err := pool.Submit(valueTask("queued", 1))
	require.NoError(t, err)

	pool.Stop()

	assert.True(t, finished.Load(), "Stop must wait for the running task")
	res, err := running.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, res.Error)

	select {
	case <-queued.Done():
	case <-time.After(time.Second):
		t.Fatal("queued task future never completed")
	}
	res, _ = queued.Wait(context.Background())
	if res.Error != nil {
		assert.ErrorIs(t, res.Error, ErrPoolClosed)
	}
}

// TestStopBeforeStart tests that Stop on an unstarted pool is a no-op
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(1)
	pool.Stop()
	assert.False(t, pool.IsStarted())
}

// TestSubmitAfterStop tests that submitting after stop returns ErrPoolClosed
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop() // idempotent

	_, err := pool.Submit(valueTask("late", 1))
	assert.True(t, errors.Is(err, ErrPoolClosed))
	_, err = pool.TrySubmit(valueTask("late", 1))
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

// TestSubmitBeforeStart tests that submitting before start returns ErrPoolNotStarted
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	_, err := pool.Submit(valueTask("early", 1))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestTrySubmitFull tests the non-blocking submit path
func TestTrySubmitFull(t *testing.T) {
	pool := startPool(t, 1, 1)

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := pool.Submit(Task{ID: "hold", Run: func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	}})
	require.NoError(t, err)
	<-started

	// fills the single buffer slot
	_, err = pool.TrySubmit(valueTask("queued", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, pool.QueueLen())

	_, err = pool.TrySubmit(valueTask("overflow", 2))
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	pool := startPool(t, 1, 1)
	block := make(chan struct{})
	defer close(block)

	f, err := pool.Submit(Task{ID: "hold", Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
