// Package livechannel maintains the persistent websocket used for streamed
// conversation replies. It reconnects after a fixed delay on every
// unexpected close and stops only when closed by its owner.
package livechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults for Channel construction.
const (
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHeartbeat        = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// State is the connectivity state of a Channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Renewer renews the session credentials carried in the cookie jar. The
// authenticated transport satisfies it.
type Renewer interface {
	Renew(ctx context.Context) error
}

// Opts holds parameters for creating a Channel.
type Opts struct {
	URL            string         // ws:// or wss:// endpoint
	Jar            http.CookieJar // session cookies, shared with the transport
	Renewer        Renewer        // optional; consulted when the handshake is rejected with 401
	ReconnectDelay time.Duration  // defaults to DefaultReconnectDelay
	// Heartbeat is the ping interval. Zero uses DefaultHeartbeat; negative
	// disables pings.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
}

// Channel is one persistent connection. At most one socket is open at a time.
type Channel struct {
	url            string
	dialer         *websocket.Dialer
	renewer        Renewer
	reconnectDelay time.Duration
	heartbeat      time.Duration

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	started       bool
	closed        bool
	cancel        context.CancelFunc
	handlers      []func(Frame)
	stateHandlers []func(State)

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a Channel. It does not connect until Connect is called.
func New(opts Opts) (*Channel, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("livechannel: url is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	heartbeat := opts.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	return &Channel{
		url: opts.URL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
			Jar:              opts.Jar,
		},
		renewer:        opts.Renewer,
		reconnectDelay: delay,
		heartbeat:      heartbeat,
		state:          StateClosed,
		done:           make(chan struct{}),
	}, nil
}

// OnMessage registers a handler for inbound frames. Handlers run on the
// reader goroutine, one frame at a time, in arrival order.
func (c *Channel) OnMessage(fn func(Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// OnStateChange registers a handler for connectivity transitions.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

// State returns the current connectivity state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool {
	return c.State() == StateOpen
}

// Done is closed once the channel has terminated.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connect starts the connection loop in the background. Cancelling ctx has
// the same effect as Close. Calling Connect more than once is a no-op.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// Send writes v as one JSON text frame. It never queues: when the socket is
// not open it returns false and the caller picks another path.
func (c *Channel) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("livechannel: encode frame: %v", err)
		return false
	}
	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		log.Printf("livechannel: send: %v", err)
		return false
	}
	return true
}

// Close tears the channel down for good: any pending reconnect wait is
// cancelled and the socket is closed. It does not block; Done reports when
// the loop has exited. Close is safe to call from a handler.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if !started {
		c.setState(StateTerminated)
		close(c.done)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateTerminated)

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(StateClosed)
		if err != nil {
			log.Printf("livechannel: connect %s: %v; retrying in %s", c.url, err, c.reconnectDelay)
		} else {
			log.Printf("livechannel: connection lost; reconnecting in %s", c.reconnectDelay)
		}

		t := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// dial opens the socket. A handshake rejected with 401 runs the shared
// credential renewal so the next attempt carries fresh cookies.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err == nil {
		return conn, nil
	}
	if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.renewer != nil {
		if rerr := c.renewer.Renew(ctx); rerr != nil {
			return nil, fmt.Errorf("handshake rejected, renew: %w", rerr)
		}
		return nil, fmt.Errorf("handshake rejected; credentials renewed")
	}
	return nil, err
}

// serve owns conn until it fails or the channel is closed.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	// Unblocks the reader when the owner cancels.
	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if c.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(hbCtx, conn)
		}()
	}

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Printf("livechannel: read: %v", err)
			}
			break
		}
		frame, err := parseFrame(data)
		if err != nil {
			log.Printf("livechannel: drop frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}

	stopHeartbeat()
	wg.Wait()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
}

func (c *Channel) dispatch(frame Frame) {
	c.mu.Lock()
	handlers := make([]func(Frame), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	ping := []byte(`{"type":"ping"}`)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, ping); err != nil {
				log.Printf("livechannel: heartbeat: %v", err)
				return
			}
		}
	}
}

// write serializes writers; gorilla connections allow one at a time.
func (c *Channel) write(conn *websocket.Conn, kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, data)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := make([]func(State), len(c.stateHandlers))
	copy(handlers, c.stateHandlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}
