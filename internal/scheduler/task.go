package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "everywhere_relay_task_runs_total",
	Help: "Scheduled task executions by outcome.",
}, []string{"task", "result"})

func init() {
	prometheus.MustRegister(taskRuns)
}

// Task represents a periodically executed unit of work.
type Task struct {
	// Name is a human-readable identifier used in log messages.
	Name string
	// Interval returns the period before the next run. It is consulted after
	// every run, so a reloaded configuration takes effect on the next cycle.
	Interval func() time.Duration
	// RunFunc is the function executed each tick. Errors are logged but do not
	// stop the loop.
	RunFunc func(ctx context.Context) error
	logger  *logrus.Entry
}

// NewTask creates a new periodic task.
func NewTask(name string, interval func() time.Duration, runFunc func(ctx context.Context) error, logger *logrus.Entry) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		RunFunc:  runFunc,
		logger:   logger.WithField("task", name),
	}
}

// Run executes the task in a loop. It fires immediately on entry, then waits
// for Interval between the end of one run and the start of the next, so runs
// never overlap. The loop exits when ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.WithField("interval", t.interval()).Info("task started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("task stopping (context cancelled)")
			return
		case <-timer.C:
			t.execute(ctx)
			timer.Reset(t.interval())
		}
	}
}

func (t *Task) interval() time.Duration {
	d := t.Interval()
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// execute performs a single invocation and logs the outcome.
func (t *Task) execute(ctx context.Context) {
	start := time.Now()
	err := t.RunFunc(ctx)
	log := t.logger.WithField("duration", time.Since(start).Round(time.Millisecond))
	if err != nil {
		taskRuns.WithLabelValues(t.Name, "error").Inc()
		log.WithError(err).Error("task execution failed")
		return
	}
	taskRuns.WithLabelValues(t.Name, "ok").Inc()
	log.Debug("task execution completed")
}
