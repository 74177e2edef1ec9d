package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

// ErrConnectionLost is reported by Client.Err when the server went away.
var ErrConnectionLost = errors.New("connection lost")

// ToolExecutor runs tool calls on the client machine.
type ToolExecutor interface {
	RunCommand(ctx context.Context, input protocol.RunCommandInput) protocol.RunCommandOutput
	GetLineGroup(ctx context.Context, input protocol.GetLineGroupInput) (protocol.LineGroup, error)
}

// AgentError is reported by Client.Err when the server ended the turn with
// an agent-error frame.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return "agent error: " + e.Message
}

// Client is the terminal side of a session. Inbound frames are applied in
// arrival order; tool calls run in the background and answer with the same
// call id.
type Client struct {
	conn       *Conn
	tools      ToolExecutor
	state      *StateMachine
	transcript *Transcript
	queue      *OrderedQueue
	logger     *slog.Logger
	header     http.Header
	connOpts   []ConnOption

	toolMu     sync.Mutex
	toolCtx    context.Context
	toolCancel context.CancelFunc
	toolWG     sync.WaitGroup

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	closing bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// OnStateChange registers a lifecycle observer.
func OnStateChange(fn func(from, to State)) ClientOption {
	return func(c *Client) { c.state.Observe(fn) }
}

// OnTranscript registers an observer for added or changed entries.
func OnTranscript(fn func(Entry)) ClientOption {
	return func(c *Client) { c.transcript.Observe(fn) }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader adds headers to the WebSocket handshake.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) { c.header = header }
}

// WithConnOptions passes options to the underlying connection.
func WithConnOptions(opts ...ConnOption) ClientOption {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

func newClient(tools ToolExecutor, opts []ClientOption) *Client {
	c := &Client{
		tools:      tools,
		state:      NewStateMachine(),
		transcript: NewTranscript(),
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.toolCtx, c.toolCancel = context.WithCancel(context.Background())
	return c
}

// Dial connects to url and starts the session with message as the first
// user reply. The returned client is already in StateConnected or later.
func Dial(ctx context.Context, url, message string, tools ToolExecutor, opts ...ClientOption) (*Client, error) {
	c := newClient(tools, opts)
	conn, err := DialConn(ctx, url, c.header, append(c.connOpts, WithConnLogger(c.logger))...)
	if err != nil {
		c.fail(err)
		close(c.done)
		return nil, err
	}
	c.start(ctx, conn, message)
	return c, nil
}

// NewClient starts a session over an established connection.
func NewClient(ctx context.Context, conn *Conn, message string, tools ToolExecutor, opts ...ClientOption) *Client {
	c := newClient(tools, opts)
	c.start(ctx, conn, message)
	return c
}

func (c *Client) start(ctx context.Context, conn *Conn, message string) {
	c.conn = conn
	c.queue = NewOrderedQueue(ctx, c.logger)
	c.state.Transition(StateConnected)

	go func() {
		err := conn.Run(ctx, func(data []byte) {
			c.queue.Push(func(context.Context) { c.handle(data) })
		})
		c.finish(err)
	}()

	c.transcript.AddUser(message)
	if err := conn.Send(protocol.SendReply{Reply: message}); err != nil {
		c.logger.Warn("failed to send initial message", "error", err)
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.state.Current()
}

// Transcript returns the session transcript.
func (c *Client) Transcript() *Transcript {
	return c.transcript
}

// SendReply answers the agent. It is only valid while waiting for a reply.
func (c *Client) SendReply(text string) error {
	if err := c.state.TransitionFrom(StateWaitingReply, StateProcessing); err != nil {
		return err
	}
	c.transcript.AddUser(text)
	return c.conn.Send(protocol.SendReply{Reply: text})
}

// Cancel asks the server to stop the running turn and aborts local tool
// executions, which then answer with a cancelled result.
func (c *Client) Cancel() error {
	c.toolMu.Lock()
	c.toolCancel()
	c.toolCtx, c.toolCancel = context.WithCancel(context.Background())
	c.toolMu.Unlock()
	return c.conn.Send(protocol.AgentCancel{})
}

// Close ends the session.
func (c *Client) Close() error {
	c.errMu.Lock()
	c.closing = true
	c.errMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	<-c.done
	return nil
}

// Wait blocks until the session ends and returns Err.
func (c *Client) Wait() error {
	<-c.done
	return c.Err()
}

// Done is closed when the session has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended, or nil if it was closed locally.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) handle(data []byte) {
	if c.state.Current() == StateError {
		return
	}
	msg, err := protocol.DecodeS2C(data)
	if err != nil {
		c.logger.Debug("dropping invalid frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.AgentStart:
		c.transition(StateProcessing)
	case protocol.AgentStop:
		c.transition(StateWaitingReply)
	case protocol.AgentError:
		c.fail(&AgentError{Message: m.Error})
		c.conn.Close()
	case protocol.AgentToken:
		c.transcript.AppendToken(m.Token)
	case protocol.RunCommandToolCall:
		c.runCommand(m)
	case protocol.GetLineGroupToolCall:
		c.getLineGroup(m)
	}
}

func (c *Client) transition(to State) {
	if err := c.state.Transition(to); err != nil {
		c.logger.Debug("ignoring transition", "error", err)
	}
}

func (c *Client) runCommand(call protocol.RunCommandToolCall) {
	entry := c.transcript.AddRunCommand(call)
	ctx := c.currentToolContext()
	c.toolWG.Add(1)
	go func() {
		defer c.toolWG.Done()
		out := c.tools.RunCommand(ctx, call.Input)
		c.transcript.CompleteRunCommand(entry.Index, out)
		if err := c.conn.Send(protocol.RunCommandToolResponse{ID: call.ID, Output: out}); err != nil {
			c.logger.Debug("failed to send run-command response", "id", call.ID, "error", err)
		}
	}()
}

func (c *Client) getLineGroup(call protocol.GetLineGroupToolCall) {
	entry := c.transcript.AddLineGroup(call)
	ctx := c.currentToolContext()
	c.toolWG.Add(1)
	go func() {
		defer c.toolWG.Done()
		var res protocol.LineGroupResult
		group, err := c.tools.GetLineGroup(ctx, call.Input)
		if err != nil {
			res = protocol.LineGroupResult{From: call.Input.From, To: call.Input.To, Lines: []string{}, Error: err.Error()}
		} else {
			res = protocol.LineGroupResult{From: group.From, To: group.To, Lines: group.Lines}
		}
		c.transcript.CompleteLineGroup(entry.Index, res)
		if err := c.conn.Send(protocol.GetLineGroupToolResponse{ID: call.ID, Output: res}); err != nil {
			c.logger.Debug("failed to send line-group response", "id", call.ID, "error", err)
		}
	}()
}

func (c *Client) currentToolContext() context.Context {
	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	return c.toolCtx
}

// fail records err as the session outcome and enters the terminal state.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil && !c.closing {
		c.err = err
	}
	c.errMu.Unlock()
	c.state.Transition(StateError)
}

func (c *Client) finish(err error) {
	if err == nil {
		err = ErrConnectionLost
	}
	c.fail(fmt.Errorf("session ended: %w", err))

	c.toolMu.Lock()
	c.toolCancel()
	c.toolMu.Unlock()

	c.queue.Close()
	c.queue.Wait()
	c.toolWG.Wait()
	close(c.done)
}
