package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecanvas/streamd/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveEvents runs a websocket endpoint that writes the given events and
// then closes normally.
func serveEvents(t *testing.T, events []protocol.Event) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, ev := range events {
			data, err := json.Marshal(ev)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(ts.Close)
	return strings.Replace(ts.URL, "http", "ws", 1)
}

func mkEvent(t *testing.T, seq int64, eventType string) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(eventType, nil)
	require.NoError(t, err)
	ev.Seq = seq
	return ev
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	events := []protocol.Event{
		mkEvent(t, 1, protocol.TypeCanvasShow),
		mkEvent(t, 2, protocol.TypeCanvasDelta),
		mkEvent(t, 3, protocol.TypeSessionClosed),
	}
	url := serveEvents(t, events)

	var mu sync.Mutex
	var seqs []int64
	c := New(url, []int{10}, nil)
	c.SetEventHandler(func(ev protocol.Event) {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	})
	require.NoError(t, c.Connect())
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestClientSkipsAlreadySeenSequences(t *testing.T) {
	// A replay that repeats earlier sequence numbers, as after a reconnect.
	events := []protocol.Event{
		mkEvent(t, 1, protocol.TypeCanvasShow),
		mkEvent(t, 2, protocol.TypeCanvasDelta),
		mkEvent(t, 1, protocol.TypeCanvasShow),
		mkEvent(t, 2, protocol.TypeCanvasDelta),
		mkEvent(t, 3, protocol.TypeSessionClosed),
	}
	url := serveEvents(t, events)

	var mu sync.Mutex
	var seqs []int64
	c := New(url, []int{10}, nil)
	c.SetEventHandler(func(ev protocol.Event) {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	})
	require.NoError(t, c.Connect())
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestClientConnectFailure(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws/sessions/x", []int{10}, nil)
	assert.Error(t, c.Connect())
}
