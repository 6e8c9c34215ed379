package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/codecanvas/streamd/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient records delivered events; with a capacity it mimics a slow
// consumer whose buffer fills up.
type fakeClient struct {
	mu       sync.Mutex
	events   []protocol.Event
	capacity int
	closed   bool
}

func (c *fakeClient) Deliver(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity > 0 && len(c.events) >= c.capacity {
		return ErrSlowClient
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) snapshot() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(grace, nil, nil)
}

func TestCreateDuplicate(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	_, err = r.Create("sess-1")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestAppendToUnknownSessionIsNoOp(t *testing.T) {
	r := newTestRegistry(time.Minute)
	// Must not panic or create a session.
	r.Append("ghost", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "ghost", Data: "x"})
	assert.Nil(t, r.Get("ghost"))
}

func TestAttachUnknown(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Attach("ghost", &fakeClient{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReplayThenLive(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "one"})
	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "two"})

	c := &fakeClient{}
	replay, err := r.Attach("sess-1", c)
	require.NoError(t, err)
	require.Len(t, replay, 2)

	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "three"})

	live := c.snapshot()
	require.Len(t, live, 1)

	// Sequence numbers are contiguous across the replay/live boundary:
	// no gap, no duplicate.
	var seqs []int64
	for _, ev := range append(replay, live...) {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestSecondClientSeesSameHistory(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	first := &fakeClient{}
	_, err = r.Attach("sess-1", first)
	require.NoError(t, err)

	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "one"})

	second := &fakeClient{}
	replay, err := r.Attach("sess-1", second)
	require.NoError(t, err)
	require.Len(t, replay, 1)
	assert.Equal(t, first.snapshot()[0].Seq, replay[0].Seq)
}

func TestSlowClientEvicted(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s, err := r.Create("sess-1")
	require.NoError(t, err)

	slow := &fakeClient{capacity: 1}
	_, err = r.Attach("sess-1", slow)
	require.NoError(t, err)

	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "one"})
	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "two"})

	assert.True(t, slow.isClosed())

	s.mu.Lock()
	remaining := len(s.clients)
	s.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	c := &fakeClient{}
	_, err = r.Attach("sess-1", c)
	require.NoError(t, err)

	r.Close("sess-1", 0)
	r.Close("sess-1", 0)
	r.Close("ghost", 0)

	events := c.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.TypeSessionClosed, events[0].Type)
	assert.True(t, c.isClosed())
}

func TestAppendAfterCloseDropped(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s, err := r.Create("sess-1")
	require.NoError(t, err)

	r.Close("sess-1", 1)
	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "late"})

	s.mu.Lock()
	n := len(s.events)
	s.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestAttachDuringGraceReturnsReplay(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	r.Append("sess-1", protocol.TypeRawOutput, protocol.RawOutputPayload{SessionID: "sess-1", Data: "one"})
	r.Close("sess-1", 0)

	// Within the grace window a reconnect still resolves the session and
	// gets the full log, closed marker included.
	c := &fakeClient{}
	replay, err := r.Attach("sess-1", c)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Equal(t, protocol.TypeSessionClosed, replay[1].Type)
}

func TestDeletedAfterGracePeriod(t *testing.T) {
	r := newTestRegistry(20 * time.Millisecond)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	r.Close("sess-1", 0)
	require.NotNil(t, r.Get("sess-1"))

	assert.Eventually(t, func() bool {
		return r.Get("sess-1") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDetachUnattachedClientIsSafe(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Create("sess-1")
	require.NoError(t, err)

	r.Detach("sess-1", &fakeClient{})
	r.Detach("ghost", &fakeClient{})
}
