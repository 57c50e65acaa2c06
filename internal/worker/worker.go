// ============================================================================
// Beaver-Relay Worker - Message Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs the handler, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the handler (with timeout control and panic recovery)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   Each task gets its own context.WithTimeout derived from the pool context.
//   A handler that ignores ctx keeps its worker busy until it returns.
//
// Error Handling:
//   - Handler error: reported as a failed Result, the message stays pending
//   - Handler panic: recovered and reported as a failed Result
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	handler  Handler       // Message handler shared by all workers of a pool
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker. Results are delivered with a blocking send
// so that no acknowledgment is dropped; the pool keeps resultCh drained.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(ctx, task)

		w.resultCh <- Result{
			Message:  task.Message,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs the handler for one task.
func (w *Worker) execute(parent context.Context, task Task) (err error) {
	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: handler panic on %s: %v", w.id, task.Message.ID, r)
		}
	}()

	return w.handler.Handle(ctx, task.Message)
}
