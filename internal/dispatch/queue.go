// Package dispatch provides the single ordered queue every workflow mutation
// runs on.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const slowTaskThreshold = 100 * time.Millisecond

// Queue runs submitted funcs one at a time in submission order on a
// dedicated goroutine.
type Queue struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewQueue starts a queue buffering up to size pending tasks.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 64
	}

	q := &Queue{
		tasks:  make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger.With("component", "dispatch"),
	}

	q.wg.Add(1)
	go q.run()

	return q
}

// Submit enqueues fn. It blocks while the buffer is full and returns false
// once the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- fn:
		return true
	case <-q.done:
		return false
	}
}

// Do enqueues fn and waits for it to finish.
func (q *Queue) Do(fn func()) bool {
	finished := make(chan struct{})
	if !q.Submit(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-q.done:
		// Close may race with the task; prefer reporting it if it ran.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	return len(q.tasks)
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			return
		case fn := <-q.tasks:
			q.execute(fn)
		}
	}
}

func (q *Queue) execute(fn func()) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("Recovered from panic in queued task", "panic", fmt.Sprint(p))
		}
		if d := time.Since(start); d > slowTaskThreshold {
			q.logger.Warn("Slow queued task", "duration_ms", d.Milliseconds())
		}
	}()
	fn()
}

// Close stops the queue. Tasks still waiting are discarded. Close is
// idempotent and waits for a running task to return.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()

		dropped := 0
		for {
			select {
			case <-q.tasks:
				dropped++
			default:
				if dropped > 0 {
					q.logger.Warn("Discarded queued tasks on close", "count", dropped)
				}
				return
			}
		}
	})
}
