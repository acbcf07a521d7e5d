package chat

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrChannelClosed is returned by Send on a channel that is not open.
var ErrChannelClosed = errors.New("channel is not open")

// ChannelCallbacks is the event surface of a transport channel. Per channel
// handle, OnOpen fires at most once, OnMessage zero or more times in
// delivery order, and OnClose exactly once as the terminal event; nothing
// fires after OnClose.
type ChannelCallbacks struct {
	OnOpen    func(Channel)
	OnMessage func(Channel, []byte)
	OnClose   func(Channel, error)
}

// Channel is one socket connection. A channel handle is never reused: the
// session discards it wholesale on reconnect.
type Channel interface {
	// Send writes one text frame. Returns ErrChannelClosed when the channel
	// is not open; callers gate on connection status instead of retrying.
	Send(data []byte) error
	// Close tears the channel down. Idempotent.
	Close() error
}

// Dialer opens transport channels. The websocket implementation is the real
// one; tests substitute fakes.
type Dialer interface {
	// Dial starts connecting to url and returns the channel handle
	// immediately. The handshake proceeds in the background and resolves
	// through the callbacks: OnOpen on success, OnClose on failure.
	Dial(ctx context.Context, url string, cb ChannelCallbacks) (Channel, error)
}

// WebSocketDialer dials channels over gorilla/websocket.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, cb ChannelCallbacks) (Channel, error) {
	if url == "" {
		return nil, errors.New("empty websocket url")
	}
	ch := &wsChannel{cb: cb}
	go ch.run(ctx, d.dialer, url)
	return ch, nil
}

// wsChannel wraps one gorilla connection with the channel callback contract.
type wsChannel struct {
	cb ChannelCallbacks

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	closeFn sync.Once
}

func (c *wsChannel) run(ctx context.Context, dialer *websocket.Dialer, url string) {
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Debug().Err(err).Str("component", "ws_channel").Msg("websocket dial failed")
		c.terminate(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		// Close raced the handshake; surface a single close, no open.
		c.mu.Unlock()
		_ = conn.Close()
		c.terminate(errors.New("channel closed during handshake"))
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if c.cb.OnOpen != nil {
		c.cb.OnOpen(c)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			_ = conn.Close()
			c.terminate(err)
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(c, data)
		}
	}
}

func (c *wsChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrChannelClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		// The read pump observes the close error and fires OnClose.
		return conn.Close()
	}
	return nil
}

// terminate fires the single terminal OnClose.
func (c *wsChannel) terminate(err error) {
	c.closeFn.Do(func() {
		if c.cb.OnClose != nil {
			c.cb.OnClose(c, err)
		}
	})
}
