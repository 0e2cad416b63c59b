package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskQueue is an in-memory FIFO of functions executed one at a time in
// submission order. Downstream delivery goes through it so that emissions
// reach the sink in the order they were produced.
type TaskQueue struct {
	ch     chan func(ctx context.Context)
	logger *logrus.Entry

	mu      sync.Mutex
	dropped int
}

// NewTaskQueue creates a new in-memory task queue with the given buffer size.
func NewTaskQueue(bufferSize int, logger *logrus.Entry) *TaskQueue {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &TaskQueue{
		ch:     make(chan func(ctx context.Context), bufferSize),
		logger: logger.WithField("component", "task_queue"),
	}
}

// Enqueue adds fn to the queue for asynchronous execution. If the queue is
// full the function is dropped, a warning is logged, and false is returned.
func (q *TaskQueue) Enqueue(fn func(ctx context.Context)) bool {
	select {
	case q.ch <- fn:
		return true
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("task queue full, dropping task")
		return false
	}
}

// Dropped returns how many tasks were rejected because the queue was full.
func (q *TaskQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of tasks waiting to run.
func (q *TaskQueue) Len() int {
	return len(q.ch)
}

// Start processes queued tasks sequentially until ctx is cancelled. Tasks
// still queued at cancellation are drained before Start returns; they see the
// cancelled context and decide themselves whether to finish.
func (q *TaskQueue) Start(ctx context.Context) {
	q.logger.Info("task queue started")
	for {
		select {
		case <-ctx.Done():
			q.drain(ctx)
			q.logger.Info("task queue stopping (context cancelled)")
			return
		case fn := <-q.ch:
			q.run(ctx, fn)
		}
	}
}

func (q *TaskQueue) drain(ctx context.Context) {
	for {
		select {
		case fn := <-q.ch:
			q.run(ctx, fn)
		default:
			return
		}
	}
}

func (q *TaskQueue) run(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("queued task panicked")
		}
	}()
	fn(ctx)
}
