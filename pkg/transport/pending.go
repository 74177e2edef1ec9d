package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

var (
	// ErrCallTimeout is returned when the client did not answer a tool call
	// within the pending-call timeout.
	ErrCallTimeout = errors.New("tool call timed out")
	// ErrSessionClosed is returned for calls outstanding when the session ended.
	ErrSessionClosed = errors.New("session closed")
)

// Resolution is the outcome of a pending call: the client's response frame
// or the reason none will arrive.
type Resolution struct {
	Response protocol.C2SMessage
	Err      error
}

type pendingCall struct {
	ch    chan Resolution
	timer *time.Timer
}

// PendingRegistry tracks tool calls awaiting a response, keyed by call id.
// Each call resolves exactly once.
type PendingRegistry struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed error
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{calls: make(map[string]*pendingCall)}
}

// Register adds a call and returns the channel its resolution is delivered
// on. A positive timeout rejects the call with ErrCallTimeout when it
// elapses. Registering on a closed registry fails with the close error.
func (r *PendingRegistry) Register(id string, timeout time.Duration) (<-chan Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, r.closed
	}
	if _, ok := r.calls[id]; ok {
		return nil, errors.New("duplicate call id " + id)
	}
	call := &pendingCall{
		ch: make(chan Resolution, 1),
	}
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			r.Reject(id, ErrCallTimeout)
		})
	}
	r.calls[id] = call
	return call.ch, nil
}

// Resolve delivers resp to the call with id. It reports false when no such
// call is pending, for example a duplicate response.
func (r *PendingRegistry) Resolve(id string, resp protocol.C2SMessage) bool {
	return r.finish(id, Resolution{Response: resp})
}

// Reject fails the call with id.
func (r *PendingRegistry) Reject(id string, err error) bool {
	return r.finish(id, Resolution{Err: err})
}

// Forget drops the call without delivering anything.
func (r *PendingRegistry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call, ok := r.calls[id]; ok {
		r.removeLocked(id, call)
	}
}

// RejectAll fails every pending call with err and returns how many there were.
func (r *PendingRegistry) RejectAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectAllLocked(err)
}

// Close rejects every pending call with ErrSessionClosed and refuses new ones.
func (r *PendingRegistry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = ErrSessionClosed
	return r.rejectAllLocked(ErrSessionClosed)
}

// Len returns the number of pending calls.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *PendingRegistry) finish(id string, res Resolution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return false
	}
	r.removeLocked(id, call)
	call.ch <- res
	return true
}

func (r *PendingRegistry) rejectAllLocked(err error) int {
	n := len(r.calls)
	for id, call := range r.calls {
		r.removeLocked(id, call)
		call.ch <- Resolution{Err: err}
	}
	return n
}

func (r *PendingRegistry) removeLocked(id string, call *pendingCall) {
	if call.timer != nil {
		call.timer.Stop()
	}
	delete(r.calls, id)
}
