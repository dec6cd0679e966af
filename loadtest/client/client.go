// Package client provides a reusable WebSocket test client for the pairing
// server. It connects with gobwas/ws (the same library the server uses),
// performs the register handshake, and dispatches incoming messages to
// per-type handlers.
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

// Client -> Server message types (local equivalents of internal/protocol).
const (
	TypeRegister     = "register"
	TypeQueueJoin    = "queue:join"
	TypeQueueLeave   = "queue:leave"
	TypeCallInitiate = "call:initiate"
	TypeCallAccept   = "call:accept"
	TypeCallReject   = "call:reject"
	TypeCallHangup   = "call:hangup"
	TypeSessionSkip  = "session:skip"
	TypeSignalOffer  = "signal:offer"
	TypeSignalAnswer = "signal:answer"
	TypeSignalIce    = "signal:ice"
	TypeReportSubmit = "report:submit"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeRegistered     = "registered"
	TypeQueueWaiting   = "queue:waiting"
	TypeMatched        = "matched"
	TypeCallRinging    = "call:ringing"
	TypeCallRejected   = "call:rejected"
	TypeSessionEnded   = "session:ended"
	TypeReportAccepted = "report:accepted"
	TypeReportRejected = "report:rejected"
	TypeError          = "error"
	TypePong           = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	regMu      sync.Mutex
	registered bool
}

// New connects to the given WebSocket URL and starts the read loop. The
// register handshake is sent immediately with the given user ID.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	err = c.Send(map[string]interface{}{
		"type":    TypeRegister,
		"user_id": userID,
		"capabilities": map[string]bool{
			"allow_friend_requests": true,
			"disclose_identity":     true,
		},
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Send sends a JSON message to the server. Goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a server message type. Handlers run on the
// read loop goroutine and must not block. One handler per type.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForRegistered blocks until the server confirmed registration or the
// context is cancelled.
func (c *Client) WaitForRegistered(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before registration completed")
		case <-ticker.C:
			c.regMu.Lock()
			ok := c.registered
			c.regMu.Unlock()
			if ok {
				return nil
			}
		}
	}
}

// UserID returns the identity this client registered with.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop reads frames and dispatches them to registered handlers until the
// connection closes.
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
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeRegistered {
			c.regMu.Lock()
			c.registered = true
			c.regMu.Unlock()
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
