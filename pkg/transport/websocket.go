package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single frame write
	writeTimeout = 10 * time.Second

	// maxMissedPongs consecutive keepalive failures trigger reconnect
	maxMissedPongs = 2
)

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrClosed             = errors.New("transport: closed")
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Conn is a WebSocket-backed Transport. All exported methods are safe
// for concurrent use; frame writes are serialized internally.
type Conn struct {
	opts Options

	mu      sync.Mutex // guards ws, state
	writeMu sync.Mutex // serializes frame writes
	ws      *websocket.Conn
	state   State

	reconnecting atomic.Bool
	closed       atomic.Bool
	missedPongs  atomic.Int32

	onMessage atomic.Pointer[MessageHandler]
	onState   atomic.Pointer[StateHandler]

	// lifeCtx cancels the pumps of the current physical connection
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	done chan struct{}
}

// Dial establishes the connection and starts the read/keepalive pumps.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c := &Conn{
		opts:  opts.withDefaults(),
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// dial performs one physical connection attempt.
func (c *Conn) dial(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.SubProtocol != "" {
		dialer.Subprotocols = []string{c.opts.SubProtocol}
	}

	ws, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Headers)
	if err != nil {
		c.setState(StateDisconnected, err)
		return fmt.Errorf("transport: dial %s: %w", c.opts.URL, err)
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.ws = ws
	c.lifeCtx = lifeCtx
	c.lifeCancel = lifeCancel
	c.mu.Unlock()

	c.missedPongs.Store(0)
	ws.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return nil
	})

	go c.readPump(ws, lifeCtx)
	go c.keepalivePump(ws, lifeCtx)

	c.setState(StateConnected, nil)
	return nil
}

// Send writes one text frame.
func (c *Conn) Send(data string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if ws == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, []byte(data))
}

// Connected reports whether the connection is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// OnMessage sets the inbound frame handler.
func (c *Conn) OnMessage(handler MessageHandler) {
	c.onMessage.Store(&handler)
}

// OnState sets the lifecycle handler.
func (c *Conn) OnState(handler StateHandler) {
	c.onState.Store(&handler)
}

// ReconnectInProgress reports whether a reconnect is running. The
// engine health check uses this to avoid piling a second reconnect
// onto a session that is already redialing.
func (c *Conn) ReconnectInProgress() bool {
	return c.reconnecting.Load()
}

// Reconnect tears the connection down and redials with the original
// options, backing off exponentially between attempts.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return nil // already in progress
	}
	defer c.reconnecting.Store(false)

	c.teardown()
	c.setState(StateReconnecting, nil)

	delay := c.opts.ReconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-time.After(delay):
		}

		err := c.dial(ctx)
		if err == nil {
			return nil
		}
		if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
			c.setState(StateClosed, ErrReconnectExhausted)
			return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
		}

		delay *= 2
		if delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}

// Close closes the connection with the given WebSocket close code.
func (c *Conn) Close(code int) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""))
		c.writeMu.Unlock()
	}

	c.teardown()
	c.setState(StateClosed, nil)
	return nil
}

// teardown closes the physical connection and stops its pumps.
func (c *Conn) teardown() {
	c.mu.Lock()
	ws := c.ws
	cancel := c.lifeCancel
	c.ws = nil
	c.lifeCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
}

// readPump delivers inbound frames until the connection dies.
func (c *Conn) readPump(ws *websocket.Conn, lifeCtx context.Context) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-lifeCtx.Done():
				return // deliberate teardown
			default:
			}
			c.handleReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if h := c.onMessage.Load(); h != nil && *h != nil {
			(*h)(data)
		}
	}
}

// handleReadError classifies the failure and schedules a reconnect
// for non-normal closes.
func (c *Conn) handleReadError(err error) {
	if c.closed.Load() {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.teardown()
		c.setState(StateDisconnected, nil)
		return
	}

	c.setState(StateDisconnected, err)
	if c.opts.AutoReconnect {
		go func() { _ = c.Reconnect(context.Background()) }()
	}
}

// keepalivePump sends pings and counts unanswered ones.
func (c *Conn) keepalivePump(ws *websocket.Conn, lifeCtx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lifeCtx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.missedPongs.Add(1) > maxMissedPongs {
			c.setState(StateDisconnected, errors.New("transport: keepalive timeout"))
			if c.opts.AutoReconnect && !c.closed.Load() {
				go func() { _ = c.Reconnect(context.Background()) }()
			}
			return
		}

		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := ws.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			select {
			case <-lifeCtx.Done():
				return
			default:
			}
			c.handleReadError(err)
			return
		}
	}
}

// setState records the state and notifies the handler.
func (c *Conn) setState(state State, err error) {
	c.mu.Lock()
	if c.state == state && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if h := c.onState.Load(); h != nil && *h != nil {
		(*h)(state, err)
	}
}

var _ Transport = (*Conn)(nil)
