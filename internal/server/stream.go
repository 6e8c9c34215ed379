package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codecanvas/streamd/internal/protocol"
	"github.com/codecanvas/streamd/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local control plane; auth is out of scope.
	},
}

// wsClient adapts one websocket connection to the registry's Client
// interface. Live events land in the buffered send channel; the write pump
// drains it after the replay has been written, which preserves
// replay-then-live ordering.
type wsClient struct {
	conn      *websocket.Conn
	send      chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) Deliver(ev protocol.Event) error {
	select {
	case c.send <- ev:
		return nil
	default:
		return session.ErrSlowClient
	}
}

func (c *wsClient) CloseSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// handleSessionStream upgrades the connection and streams the session's
// events: full replay first, then live events, ending with the terminal
// close event.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.registry.Get(id) == nil {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan protocol.Event, s.clientBuffer),
		done: make(chan struct{}),
	}

	replay, err := s.registry.Attach(id, c)
	if err != nil {
		// Session vanished between the lookup and the attach.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session not found"),
			time.Now().Add(writeDeadline))
		conn.Close()
		return
	}

	go s.readPump(id, c)
	s.writePump(id, c, replay)
}

// readPump discards client frames; the stream is one-way. It exists to
// service pings and to notice disconnects.
func (s *Server) readPump(id string, c *wsClient) {
	defer func() {
		s.registry.Detach(id, c)
		c.CloseSend()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(id string, c *wsClient, replay []protocol.Event) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, ev := range replay {
		if !s.writeEvent(c, ev) {
			return
		}
		if ev.IsTerminal() {
			s.sendClose(c)
			return
		}
	}

	for {
		select {
		case <-c.done:
			// The registry delivers the terminal event before CloseSend;
			// drain anything still buffered so it reaches the client.
			for {
				select {
				case ev := <-c.send:
					if !s.writeEvent(c, ev) {
						return
					}
				default:
					s.sendClose(c)
					return
				}
			}

		case ev := <-c.send:
			if !s.writeEvent(c, ev) {
				return
			}
			if ev.IsTerminal() {
				s.sendClose(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(c *wsClient, ev protocol.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (s *Server) sendClose(c *wsClient) {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
