// Package client provides a reusable WebSocket load test client for the
// Murmur chat server. It connects using gobwas/ws (the same library the
// server uses), speaks the server's {"type", "data"} frame envelope, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Frame types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoinQueue      = "join_queue"
	TypeLeaveQueue     = "leave_queue"
	TypeSendMessage    = "send_message"
	TypeSendMedia      = "send_media"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeDisconnectChat = "disconnect_chat"
	TypePing           = "ping"
)

// Server -> Client frame types.
const (
	TypeQueueJoined          = "queue_joined"
	TypePartnerFound         = "partner_found"
	TypeMessageReceived      = "message_received"
	TypeMediaReceived        = "media_received"
	TypePartnerTyping        = "partner_typing"
	TypePartnerStoppedTyping = "partner_stopped_typing"
	TypePartnerDisconnected  = "partner_disconnected"
	TypeBanned               = "banned"
	TypeError                = "error"
	TypeRateLimited          = "rate_limited"
	TypeMessageFlagged       = "message_flagged"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency    time.Duration
	FirstFrameLatency time.Duration
	FramesReceived    int
	FramesSent        int
	Errors            int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Murmur server.
// It manages the WebSocket lifecycle and dispatches incoming frames to
// registered handlers. Murmur has no session handshake: a connection is
// usable as soon as the dial succeeds, and the server only refuses admission
// by sending a banned / rate_limited / error frame and closing.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	pongCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading frames.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		pongCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		connected: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading frames in background.
	go c.readLoop()

	return c, nil
}

// Send sends one frame to the server. Data may be nil for frames that carry
// no payload. It is goroutine-safe.
func (c *Client) Send(frameType string, data interface{}) error {
	env := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{Type: frameType, Data: data}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.FramesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, raw)
}

// On registers a handler for a specific server frame type. The handler
// receives the frame's data payload. Handlers are invoked from the read loop
// goroutine so they should not block for extended periods. Only one handler
// per frame type is supported; registering a second handler for the same type
// replaces the first.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.handlers[frameType] = handler
}

// AwaitPong sends a ping frame and blocks until the server answers with a
// pong, the context is cancelled, or the connection closes. A successful
// round trip proves the connection passed admission: a refused connection
// gets a verdict frame and a close instead of a pong.
func (c *Client) AwaitPong(ctx context.Context) error {
	if err := c.Send(TypePing, nil); err != nil {
		return err
	}
	select {
	case <-c.pongCh:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before pong")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		c.mu.Lock()
		if c.metrics.FirstFrameLatency == 0 {
			c.metrics.FirstFrameLatency = time.Since(c.connected)
		}
		c.metrics.FramesReceived++
		c.mu.Unlock()

		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == TypePong {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[env.Type]; ok {
			handler(env.Data)
		}
	}
}
