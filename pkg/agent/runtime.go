// Package agent defines the contract between a session and the reasoning
// runtime, and an LLM-backed runtime that drives the client's tools.
package agent

import (
	"context"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
	"github.com/tiancaiamao/shellbuddy/pkg/stream"
)

// Request is one user reply handed to the runtime.
type Request struct {
	ChatID  string
	UserID  string
	Message string
}

// Event is a fragment of assistant text.
type Event struct {
	Token string
}

// Result ends a turn. Err is nil on success.
type Result struct {
	Err error
}

// EventStream carries the tokens of one turn and its result.
type EventStream = stream.EventStream[Event, Result]

// NewEventStream creates a stream that is finished with End.
func NewEventStream() *EventStream {
	return stream.NewEventStream[Event, Result](nil, nil)
}

// Tools are the client-side capabilities available during a turn. Calls
// block until the client answers.
type Tools interface {
	RunCommand(ctx context.Context, input protocol.RunCommandInput) (protocol.RunCommandOutput, error)
	GetLineGroup(ctx context.Context, input protocol.GetLineGroupInput) (protocol.LineGroup, error)
}

// Runtime runs agent turns. Cancelling ctx aborts the turn; the stream must
// still be finished.
type Runtime interface {
	Invoke(ctx context.Context, req Request, tools Tools) *EventStream
}

// FuncRuntime adapts a function to Runtime. emit forwards one token.
type FuncRuntime func(ctx context.Context, req Request, tools Tools, emit func(token string)) error

// Invoke runs f on its own goroutine.
func (f FuncRuntime) Invoke(ctx context.Context, req Request, tools Tools) *EventStream {
	es := NewEventStream()
	go func() {
		err := f(ctx, req, tools, func(token string) {
			es.Push(Event{Token: token})
		})
		es.End(Result{Err: err})
	}()
	return es
}
