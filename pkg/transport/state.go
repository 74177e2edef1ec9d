package transport

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// State is the client's view of the session lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateProcessing   State = "processing"
	StateWaitingReply State = "waiting-reply"
	StateError        State = "error"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateProcessing, StateError},
	StateProcessing:   {StateWaitingReply, StateError},
	StateWaitingReply: {StateProcessing, StateError},
}

// StateMachine guards the client lifecycle. Error is terminal.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	observers []func(from, to State)
}

// NewStateMachine starts in StateConnecting.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateConnecting}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers fn to be called after every state change.
func (m *StateMachine) Observe(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Transition moves to the given state. Moving to the current state is a
// no-op, except out of the terminal error state.
func (m *StateMachine) Transition(to State) error {
	return m.transition(nil, to)
}

// TransitionFrom moves to the given state only if the machine is in from.
func (m *StateMachine) TransitionFrom(from, to State) error {
	return m.transition(&from, to)
}

func (m *StateMachine) transition(from *State, to State) error {
	m.mu.Lock()
	cur := m.state
	if from != nil && cur != *from {
		m.mu.Unlock()
		return fmt.Errorf("%w: expected %s, in %s", ErrInvalidTransition, *from, cur)
	}
	if cur == StateError {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, cur)
	}
	if cur == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(transitions[cur], to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	m.state = to
	observers := append([]func(from, to State){}, m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(cur, to)
	}
	return nil
}
