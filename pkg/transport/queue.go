package transport

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// OrderedQueue runs tasks one at a time in the order they were pushed.
// Push never blocks, so a connection's read loop can hand every inbound
// frame to the queue and keep reading.
type OrderedQueue struct {
	mu     sync.Mutex
	tasks  []func(context.Context)
	notify chan struct{}
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewOrderedQueue starts the worker. Tasks receive ctx.
func NewOrderedQueue(ctx context.Context, logger *slog.Logger) *OrderedQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &OrderedQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.work(ctx)
	return q
}

// Push appends task. It reports false if the queue is closed.
func (q *OrderedQueue) Push(task func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks. Tasks already queued still run.
func (q *OrderedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the queue is closed and drained.
func (q *OrderedQueue) Wait() {
	<-q.done
}

// Len returns the number of tasks waiting to run.
func (q *OrderedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *OrderedQueue) work(ctx context.Context) {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			q.run(ctx, task)
			continue
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *OrderedQueue) run(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}
