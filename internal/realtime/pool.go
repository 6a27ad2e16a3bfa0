package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/logging"
	"github.com/taskstream/gateway/internal/metrics"
)

// Task is a unit of fanout work executed by the pool.
type Task func()

// WorkerPool bounds broadcast fanout to a fixed number of goroutines.
// When the queue is full, tasks are dropped rather than spawning unbounded
// goroutines; the drop counter is the backpressure signal.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool builds a pool with workerCount workers and a queue of
// queueSize pending tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called once before Submit. Workers
// exit when the context is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				wp.run(task)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// run executes one task; a panicking task must not take the worker down.
func (wp *WorkerPool) run(task Task) {
	defer logging.RecoverPanic(wp.logger, "pool_worker", nil)
	task()
}

// Submit enqueues a task, dropping it if the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		metrics.DroppedBroadcasts.Inc()
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// DroppedTasks reports how many tasks were rejected because the queue
// was full.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// QueueDepth reports the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
