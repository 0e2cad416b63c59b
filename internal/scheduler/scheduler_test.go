package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestTask_RunsImmediatelyAndRepeats(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("tick", func() time.Duration { return 10 * time.Millisecond },
		func(context.Context) error {
			runs.Add(1)
			return nil
		}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	task.Run(ctx)

	if n := runs.Load(); n < 2 {
		t.Errorf("runs: got %d, want at least 2", n)
	}
}

func TestTask_ErrorsDoNotStopLoop(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("failing", func() time.Duration { return 5 * time.Millisecond },
		func(context.Context) error {
			runs.Add(1)
			return errors.New("upstream down")
		}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	task.Run(ctx)

	if n := runs.Load(); n < 2 {
		t.Errorf("runs: got %d, want at least 2", n)
	}
}

func TestTask_RunsNeverOverlap(t *testing.T) {
	var active, maxActive atomic.Int32
	task := NewTask("slow", func() time.Duration { return time.Millisecond },
		func(context.Context) error {
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task.Run(ctx)

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent runs: got %d, want 1", maxActive.Load())
	}
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := NewTaskQueue(10, quietLogger())
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		q.Enqueue(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not process tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order: got %v", order)
		}
	}
}

func TestTaskQueue_FullDrops(t *testing.T) {
	q := NewTaskQueue(1, quietLogger())
	if !q.Enqueue(func(context.Context) {}) {
		t.Fatal("first Enqueue rejected")
	}
	if q.Enqueue(func(context.Context) {}) {
		t.Fatal("Enqueue on full queue accepted")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", q.Dropped())
	}
}

func TestTaskQueue_RecoversPanic(t *testing.T) {
	q := NewTaskQueue(4, quietLogger())
	ran := make(chan struct{})
	q.Enqueue(func(context.Context) { panic("boom") })
	q.Enqueue(func(context.Context) { close(ran) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
}

func TestTaskQueue_DrainsOnStop(t *testing.T) {
	q := NewTaskQueue(4, quietLogger())
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		q.Enqueue(func(context.Context) { ran.Add(1) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Start(ctx)

	if ran.Load() != 3 {
		t.Errorf("drained: got %d, want 3", ran.Load())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(quietLogger())
	var runs atomic.Int32
	s.AddTask(NewTask("t", func() time.Duration { return time.Hour },
		func(context.Context) error { runs.Add(1); return nil }, quietLogger()))
	s.AddQueue(NewTaskQueue(1, quietLogger()))

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	if runs.Load() != 1 {
		t.Errorf("runs: got %d, want 1", runs.Load())
	}
}
