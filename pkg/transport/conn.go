package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultSendBuffer   = 256
	maxInboundFrameSize = 8 << 20
)

// ErrConnClosed is returned by Send after the connection was closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one WebSocket connection carrying protocol frames. Writes are
// serialized through a buffered channel drained by a single write pump.
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger

	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithKeepalive sets how long to wait for a pong. Pings go out at 9/10 of it.
func WithKeepalive(pongWait time.Duration) ConnOption {
	return func(c *Conn) {
		if pongWait > 0 {
			c.pongWait = pongWait
		}
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		ws:        ws,
		send:      make(chan []byte, defaultSendBuffer),
		done:      make(chan struct{}),
		logger:    slog.Default(),
		writeWait: defaultWriteWait,
		pongWait:  defaultPongWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pingInterval = c.pongWait * 9 / 10
	return c
}

// DialConn opens a WebSocket to url.
func DialConn(ctx context.Context, url string, header http.Header, opts ...ConnOption) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, opts...), nil
}

// Run reads frames and hands each text frame to onMessage until the
// connection ends. It returns nil when the connection was closed with Close
// or by a normal close from the peer.
func (c *Conn) Run(ctx context.Context, onMessage func([]byte)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(onMessage)
	})
	g.Go(func() error {
		return c.writePump(gctx)
	})
	return g.Wait()
}

// Send queues msg for writing.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Close flushes queued frames, sends a close frame and closes the
// connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.markDone()
	return nil
}

// Done is closed once the connection is closing.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop(onMessage func([]byte)) error {
	defer c.markDone()

	c.ws.SetReadLimit(maxInboundFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if kind != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "kind", kind)
			continue
		}
		onMessage(data)
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.markDone()
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.markDone()
				return fmt.Errorf("ping: %w", err)
			}
		case <-c.done:
			c.flush()
			c.writeClose()
			return nil
		case <-ctx.Done():
			c.markDone()
			c.writeClose()
			return ctx.Err()
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// flush writes frames queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
}
