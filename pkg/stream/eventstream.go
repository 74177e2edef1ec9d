// Package stream provides a single-producer event stream that ends with a
// final result.
package stream

import (
	"context"
	"sync"
)

// EventStream buffers events of type T pushed by a producer and hands them
// to one consumer in push order. The stream finishes exactly once, either
// through a completing event or End, and the final R is then available from
// Result.
type EventStream[T any, R any] struct {
	mu       sync.Mutex
	queue    []T
	pushed   int
	notify   chan struct{}
	done     bool
	result   R
	resultCh chan R

	isComplete    func(T) bool
	extractResult func(T) R
}

// NewEventStream creates a stream. isComplete marks the event that finishes
// the stream and extractResult derives the final result from it. Either may
// be nil when the stream is only ever finished through End.
func NewEventStream[T any, R any](isComplete func(T) bool, extractResult func(T) R) *EventStream[T, R] {
	return &EventStream[T, R]{
		notify:        make(chan struct{}, 1),
		resultCh:      make(chan R, 1),
		isComplete:    isComplete,
		extractResult: extractResult,
	}
}

// Push appends an event. Events pushed after the stream finished are dropped.
func (es *EventStream[T, R]) Push(event T) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.done {
		return
	}
	es.queue = append(es.queue, event)
	es.pushed++
	if es.isComplete != nil && es.isComplete(event) {
		var r R
		if es.extractResult != nil {
			r = es.extractResult(event)
		}
		es.finishLocked(r)
	}
	es.wake()
}

// End finishes the stream with result. It is a no-op if already finished.
func (es *EventStream[T, R]) End(result R) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.done {
		return
	}
	es.finishLocked(result)
	es.wake()
}

func (es *EventStream[T, R]) finishLocked(result R) {
	es.done = true
	es.result = result
	es.resultCh <- result
}

func (es *EventStream[T, R]) wake() {
	select {
	case es.notify <- struct{}{}:
	default:
	}
}

// Iterator returns a channel delivering every buffered and future event.
// The channel closes after the last event once the stream is finished, or
// when ctx is done.
func (es *EventStream[T, R]) Iterator(ctx context.Context) <-chan T {
	ch := make(chan T)
	go func() {
		defer close(ch)
		for {
			es.mu.Lock()
			if len(es.queue) > 0 {
				event := es.queue[0]
				es.queue = es.queue[1:]
				es.mu.Unlock()
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
				continue
			}
			done := es.done
			es.mu.Unlock()
			if done {
				return
			}
			select {
			case <-es.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Result delivers the final result once. Use Wait for repeated reads.
func (es *EventStream[T, R]) Result() <-chan R {
	return es.resultCh
}

// Wait blocks until the stream finishes or ctx is done and returns the
// final result.
func (es *EventStream[T, R]) Wait(ctx context.Context) (R, error) {
	select {
	case r := <-es.resultCh:
		es.resultCh <- r
		return r, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// IsDone reports whether the stream has finished.
func (es *EventStream[T, R]) IsDone() bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.done
}

// Len returns the number of events not yet consumed.
func (es *EventStream[T, R]) Len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.queue)
}

// Pushed returns the number of events accepted so far, consumed or not.
func (es *EventStream[T, R]) Pushed() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.pushed
}
