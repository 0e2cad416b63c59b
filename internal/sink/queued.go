package sink

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/scheduler"
)

// ErrQueueFull is returned when a batch cannot be queued for delivery.
var ErrQueueFull = errors.New("delivery queue full")

// Queued hands batches to a TaskQueue so that callers return as soon as the
// state is saved. Delivery order matches submission order.
type Queued struct {
	next    Submitter
	queue   *scheduler.TaskQueue
	timeout time.Duration
	logger  *logrus.Entry
}

// NewQueued wraps next. Each delivery gets its own timeout, detached from the
// submitting request so it survives the request's end.
func NewQueued(next Submitter, queue *scheduler.TaskQueue, timeout time.Duration, logger *logrus.Entry) *Queued {
	return &Queued{
		next:    next,
		queue:   queue,
		timeout: timeout,
		logger:  logger.WithField("component", "sink_queue"),
	}
}

// Submit implements Submitter.
func (q *Queued) Submit(_ context.Context, b Batch) error {
	ok := q.queue.Enqueue(func(ctx context.Context) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
		defer cancel()
		if err := q.next.Submit(dctx, b); err != nil {
			q.logger.WithError(err).WithField("features", len(b.Collection.Features)).
				Error("downstream delivery failed")
		}
	})
	if !ok {
		return ErrQueueFull
	}
	return nil
}
