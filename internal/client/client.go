// Package client is a reconnecting consumer of a session's event stream,
// used by the attach subcommand and usable as a library. On reconnect the
// server replays the full event log; the client drops everything it has
// already seen by sequence number, so the handler observes each event once.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codecanvas/streamd/internal/protocol"
)

// EventHandler receives each stream event exactly once, in order.
type EventHandler func(ev protocol.Event)

// DefaultBackoff is the reconnect schedule in milliseconds; after the last
// entry the client keeps retrying at that interval.
var DefaultBackoff = []int{500, 1000, 2000, 5000, 10000}

// Client attaches to one session stream.
type Client struct {
	url     string
	backoff []int
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	lastSeq int64

	onEvent EventHandler

	done      chan struct{}
	closeOnce sync.Once

	finished   chan struct{}
	finishOnce sync.Once
}

// New creates a client for the given websocket URL. A nil backoff uses
// DefaultBackoff.
func New(url string, backoff []int, logger *zap.Logger) *Client {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      url,
		backoff:  backoff,
		logger:   logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// SetEventHandler installs the handler. Must be called before Connect.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// Connect dials the stream and starts the reader. It returns once the
// connection is established; events flow to the handler from a background
// goroutine.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.Dial(c.url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	go c.reader(conn)
	return nil
}

// Done is closed when the stream has delivered its terminal event or the
// client was closed.
func (c *Client) Done() <-chan struct{} {
	return c.finished
}

func (c *Client) reader(conn *websocket.Conn) {
	terminal := false
	defer func() {
		conn.Close()
		if terminal {
			c.finish()
			return
		}
		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				terminal = true
			}
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Warn("unparseable stream event", zap.Error(err))
			continue
		}

		// Replayed events after a reconnect are already delivered.
		c.mu.Lock()
		stale := ev.Seq > 0 && ev.Seq <= c.lastSeq
		if !stale && ev.Seq > c.lastSeq {
			c.lastSeq = ev.Seq
		}
		c.mu.Unlock()
		if stale {
			continue
		}

		if c.onEvent != nil {
			c.onEvent(ev)
		}
		if ev.IsTerminal() {
			terminal = true
			return
		}
	}
}

func (c *Client) reconnect() {
	for i, delay := range c.backoff {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}

		c.logger.Info("reconnecting",
			zap.Int("attempt", i+1), zap.Int("of", len(c.backoff)))
		if err := c.Connect(); err == nil {
			return
		}
	}

	maxDelay := c.backoff[len(c.backoff)-1]
	for {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(maxDelay) * time.Millisecond):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

func (c *Client) finish() {
	c.finishOnce.Do(func() { close(c.finished) })
}

// Close stops the client and any pending reconnect.
func (c *Client) Close() {
	c.finish()
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
