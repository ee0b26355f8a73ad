// ============================================================================
// Beaver-Batch Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh, or return once stopCh is closed
//   2. Execute task logic (with optional timeout control)
//   3. Complete the task's Future
//   4. Repeat
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Panics inside task code are recovered and reported as errors so one
//     bad batch item cannot take the whole node down
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// job pairs a task with the future its submitter is waiting on.
type job struct {
	task   Task
	future *Future
}

// Worker represents a work execution unit
type Worker struct {
	id     int             // Worker unique identifier, used for logging and debugging
	taskCh <-chan job      // Task channel (read-only)
	stopCh <-chan struct{} // Closed by Pool.Stop
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan job, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		stopCh: stopCh,
	}
}

// Run is the main loop of Worker. It never waits on a closed task channel;
// tasks still queued when stopCh closes are failed by Pool.Stop.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case j := <-w.taskCh:
			j.future.complete(w.execute(j.task))
		}
	}
}

// execute runs one task, converting panics into errors.
func (w *Worker) execute(task Task) (res Result) {
	start := time.Now()
	res.TaskID = task.ID

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Errorf("task %s panicked on worker %d: %v\n%s", task.ID, w.id, r, debug.Stack())
		}
		res.Duration = time.Since(start)
	}()

	res.Value, res.Error = task.Run(ctx)
	return res
}
