// Package scheduler runs the periodic tick and the ordered delivery queue in
// daemon mode.
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Scheduler manages a set of periodic tasks and queues, running each in its
// own goroutine.
type Scheduler struct {
	tasks  []*Task
	queues []*TaskQueue
	logger *logrus.Entry
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		logger: logger.WithField("component", "scheduler"),
	}
}

// AddTask registers a task to be started when Start is called.
// It must be called before Start.
func (s *Scheduler) AddTask(task *Task) {
	s.tasks = append(s.tasks, task)
}

// AddQueue registers a queue whose worker is started with the tasks.
// It must be called before Start.
func (s *Scheduler) AddQueue(q *TaskQueue) {
	s.queues = append(s.queues, q)
}

// Start launches a goroutine for every registered task and queue. They run
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.WithFields(logrus.Fields{
		"task_count":  len(s.tasks),
		"queue_count": len(s.queues),
	}).Info("starting scheduler")

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			task.Run(ctx)
		}(t)
	}
	for _, q := range s.queues {
		s.wg.Add(1)
		go func(queue *TaskQueue) {
			defer s.wg.Done()
			queue.Start(ctx)
		}(q)
	}
}

// Stop cancels all running tasks and blocks until every goroutine has returned.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
