package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiancaiamao/shellbuddy/pkg/agent"
	"github.com/tiancaiamao/shellbuddy/pkg/auth"
	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

// DefaultCallTimeout bounds how long a tool call waits for the client.
const DefaultCallTimeout = 10 * time.Minute

// ErrUnexpectedResponse is returned when a call id was answered with a
// response of the wrong kind.
var ErrUnexpectedResponse = errors.New("unexpected tool response")

// RemoteToolError is a tool failure reported by the client.
type RemoteToolError struct {
	Message string
}

func (e *RemoteToolError) Error() string {
	return e.Message
}

// Server is the agent side of one session. It runs at most one agent turn
// at a time and forwards the turn's tool calls to the client.
type Server struct {
	claims      auth.ChatClaims
	conn        *Conn
	runtime     agent.Runtime
	pending     *PendingRegistry
	callTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *OrderedQueue

	// processing is only read and written by the queue worker.
	processing bool

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnWG     sync.WaitGroup
	// closed stops new turns; guarded by turnMu
	closed bool

	closeOnce sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCallTimeout sets the pending-call timeout. Zero disables it.
func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.callTimeout = d }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer binds a session to conn.
func NewServer(claims auth.ChatClaims, conn *Conn, runtime agent.Runtime, opts ...ServerOption) *Server {
	s := &Server{
		claims:      claims,
		conn:        conn,
		runtime:     runtime,
		pending:     NewPendingRegistry(),
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("chat_id", claims.ChatID, "user_id", claims.UserID)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = NewOrderedQueue(s.ctx, s.logger)
	return s
}

// Run serves the session until the connection ends, then closes it.
func (s *Server) Run(ctx context.Context) error {
	err := s.conn.Run(ctx, func(data []byte) {
		s.queue.Push(func(context.Context) { s.handle(data) })
	})
	s.Close()
	return err
}

// Close cancels the running turn, rejects pending calls and stops the
// queue. It waits for the turn goroutine to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.turnMu.Lock()
		s.closed = true
		s.turnMu.Unlock()
		s.cancelTurn()
		if n := s.pending.Close(); n > 0 {
			s.logger.Debug("rejected pending tool calls", "count", n)
		}
		s.cancel()
		s.conn.Close()
		s.turnWG.Wait()
		s.queue.Close()
		s.queue.Wait()
	})
	return nil
}

// Tools returns a tool surface outside any turn. Each call is forwarded to
// the client and blocks until answered.
func (s *Server) Tools() agent.Tools {
	return serverTools{s: s}
}

func (s *Server) handle(data []byte) {
	msg, err := protocol.DecodeC2S(data)
	if err != nil {
		s.logger.Debug("dropping invalid frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.SendReply:
		s.startTurn(m.Reply)
	case protocol.AgentCancel:
		s.cancelTurn()
		s.pending.RejectAll(context.Canceled)
	case protocol.RunCommandToolResponse:
		if !s.pending.Resolve(m.ID, m) {
			s.logger.Debug("dropping response for unknown call", "id", m.ID)
		}
	case protocol.GetLineGroupToolResponse:
		if !s.pending.Resolve(m.ID, m) {
			s.logger.Debug("dropping response for unknown call", "id", m.ID)
		}
	}
}

func (s *Server) startTurn(reply string) {
	if s.processing {
		s.logger.Debug("dropping reply while processing")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.turnMu.Lock()
	if s.closed {
		s.turnMu.Unlock()
		cancel()
		s.logger.Debug("dropping reply after close")
		return
	}
	s.turnCancel = cancel
	s.turnWG.Add(1)
	s.turnMu.Unlock()

	s.processing = true
	s.send(protocol.AgentStart{})

	go func() {
		defer s.turnWG.Done()
		defer cancel()
		final := s.runTurn(ctx, reply)
		// processing is cleared before the final frame goes out
		s.queue.Push(func(context.Context) {
			s.processing = false
			if final != nil {
				s.send(final)
			}
		})
	}()
}

// runTurn streams one agent invocation and returns the frame that ends it,
// or nil when the session is closing.
func (s *Server) runTurn(ctx context.Context, reply string) protocol.S2CMessage {
	start := time.Now()
	req := agent.Request{
		ChatID:  s.claims.ChatID,
		UserID:  s.claims.UserID,
		Message: reply,
	}
	out := newTurnOutput()
	events := s.runtime.Invoke(ctx, req, serverTools{s: s, out: out})
	out.attach(events)
	for ev := range events.Iterator(ctx) {
		s.send(protocol.AgentToken{Token: ev.Token})
		out.tokenSent()
	}
	out.finish()

	var res agent.Result
	select {
	case res = <-events.Result():
	case <-ctx.Done():
		res.Err = ctx.Err()
	}

	switch {
	case s.ctx.Err() != nil:
		return nil
	case ctx.Err() != nil || errors.Is(res.Err, context.Canceled):
		s.logger.Info("turn cancelled", "duration", time.Since(start))
		return protocol.AgentStop{}
	case res.Err != nil:
		s.logger.Warn("turn failed", "error", res.Err, "duration", time.Since(start))
		return protocol.AgentError{Error: res.Err.Error()}
	}
	s.logger.Info("turn finished", "duration", time.Since(start))
	return protocol.AgentStop{}
}

func (s *Server) cancelTurn() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

func (s *Server) send(msg protocol.S2CMessage) {
	if err := s.conn.Send(msg); err != nil {
		s.logger.Debug("failed to send frame", "type", msg.Type(), "error", err)
	}
}

// call sends a tool call frame and waits for the matching response. Within
// a turn the frame goes out only after the tokens the runtime pushed before
// the call.
func (s *Server) call(ctx context.Context, out *turnOutput, id string, msg protocol.S2CMessage) (protocol.C2SMessage, error) {
	if out != nil {
		if err := out.flush(ctx); err != nil {
			return nil, err
		}
	}
	ch, err := s.pending.Register(id, s.callTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Send(msg); err != nil {
		s.pending.Forget(id)
		return nil, fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	select {
	case res := <-ch:
		return res.Response, res.Err
	case <-ctx.Done():
		s.pending.Forget(id)
		return nil, ctx.Err()
	}
}

// turnOutput tracks how many of a turn's tokens have been sent.
type turnOutput struct {
	mu     sync.Mutex
	events *agent.EventStream
	sent   int
	done   bool
	change chan struct{}
}

func newTurnOutput() *turnOutput {
	return &turnOutput{change: make(chan struct{})}
}

func (o *turnOutput) attach(events *agent.EventStream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = events
	o.signalLocked()
}

func (o *turnOutput) tokenSent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
	o.signalLocked()
}

func (o *turnOutput) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
	o.signalLocked()
}

func (o *turnOutput) signalLocked() {
	close(o.change)
	o.change = make(chan struct{})
}

// flush waits until every token pushed before it was called has been sent.
// The runtime may call a tool before Invoke returns, so the target is taken
// once the stream is attached.
func (o *turnOutput) flush(ctx context.Context) error {
	target := -1
	for {
		o.mu.Lock()
		if target < 0 && o.events != nil {
			target = o.events.Pushed()
		}
		if o.done || (target >= 0 && o.sent >= target) {
			o.mu.Unlock()
			return nil
		}
		change := o.change
		o.mu.Unlock()

		select {
		case <-change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type serverTools struct {
	s   *Server
	out *turnOutput
}

func (t serverTools) RunCommand(ctx context.Context, input protocol.RunCommandInput) (protocol.RunCommandOutput, error) {
	id := uuid.NewString()
	resp, err := t.s.call(ctx, t.out, id, protocol.RunCommandToolCall{ID: id, Input: input})
	if err != nil {
		return protocol.RunCommandOutput{}, err
	}
	r, ok := resp.(protocol.RunCommandToolResponse)
	if !ok {
		return protocol.RunCommandOutput{}, fmt.Errorf("%w: %s for call %s", ErrUnexpectedResponse, resp.Type(), id)
	}
	return r.Output, nil
}

func (t serverTools) GetLineGroup(ctx context.Context, input protocol.GetLineGroupInput) (protocol.LineGroup, error) {
	id := uuid.NewString()
	resp, err := t.s.call(ctx, t.out, id, protocol.GetLineGroupToolCall{ID: id, Input: input})
	if err != nil {
		return protocol.LineGroup{}, err
	}
	r, ok := resp.(protocol.GetLineGroupToolResponse)
	if !ok {
		return protocol.LineGroup{}, fmt.Errorf("%w: %s for call %s", ErrUnexpectedResponse, resp.Type(), id)
	}
	if r.Output.Error != "" {
		return protocol.LineGroup{}, &RemoteToolError{Message: r.Output.Error}
	}
	return r.Output.Group(), nil
}
