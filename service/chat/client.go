package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one live connection bound to exactly one authenticated
// user. A user may hold several clients at once (multiple devices).
// The websocket is written by a single writer goroutine draining Send;
// everyone else goes through TrySend.
type Client struct {
	ConnID    string
	UserID    string
	WS        *websocket.Conn // nil in tests
	Send      chan []byte
	CreatedAt time.Time

	lastActive atomic.Int64 // unix millis
	stuck      atomic.Int32 // consecutive full-buffer sends
	closeOnce  sync.Once
	done       chan struct{}
}

func NewClient(connID, userID string, ws *websocket.Conn, sendQueueSize int) *Client {
	c := &Client{
		ConnID:    connID,
		UserID:    userID,
		WS:        ws,
		Send:      make(chan []byte, sendQueueSize),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.Touch()
	return c
}

// TrySend enqueues without blocking. A full buffer counts against the
// slow-consumer budget; any success resets it.
func (c *Client) TrySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- payload:
		c.stuck.Store(0)
		return true
	default:
		c.stuck.Add(1)
		return false
	}
}

// StuckSends returns the consecutive failed enqueue count.
func (c *Client) StuckSends() int {
	return int(c.stuck.Load())
}

func (c *Client) Touch() {
	c.lastActive.Store(time.Now().UnixMilli())
}

func (c *Client) LastActive() time.Time {
	return time.UnixMilli(c.lastActive.Load())
}

// Close is idempotent and safe from any goroutine. The writer
// goroutine observes Done and tears down the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}
