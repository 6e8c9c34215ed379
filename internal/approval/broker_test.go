package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return NewBroker(10*time.Millisecond, nil)
}

func TestRegisterStartsPending(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", json.RawMessage(`{"path":"index.html"}`), "sess-1")

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "sess-1", req.SessionID)
}

func TestGetUnknown(t *testing.T) {
	b := newTestBroker()
	assert.Nil(t, b.Get("nope"))
}

func TestListFilters(t *testing.T) {
	b := newTestBroker()
	a := b.Register("tool_a", nil, "sess-1")
	b.Register("tool_b", nil, "sess-2")
	b.Decide(a.ID, Decision{Approve: true})

	assert.Len(t, b.List(Filter{}), 2)
	assert.Len(t, b.List(Filter{SessionID: "sess-1"}), 1)
	assert.Len(t, b.List(Filter{Status: StatusPending}), 1)
	assert.Len(t, b.List(Filter{SessionID: "sess-2", Status: StatusApproved}), 0)
}

func TestDecideApproveWithModifiedInput(t *testing.T) {
	b := newTestBroker()
	req := b.Register("run_command", json.RawMessage(`{"cmd":"rm -rf /"}`), "sess-1")

	resolved := b.Decide(req.ID, Decision{
		Approve:       true,
		ModifiedInput: json.RawMessage(`{"cmd":"rm -rf ./build"}`),
	})
	require.NotNil(t, resolved)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.JSONEq(t, `{"cmd":"rm -rf ./build"}`, string(resolved.ModifiedInput))
}

func TestDecideIsIdempotentSafe(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", nil, "sess-1")

	first := b.Decide(req.ID, Decision{DenyReason: "no"})
	require.NotNil(t, first)

	// The second decision is rejected and the original stands.
	second := b.Decide(req.ID, Decision{Approve: true})
	assert.Nil(t, second)

	got := b.Get(req.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, "no", got.DenyReason)
	assert.Nil(t, got.ModifiedInput)
}

func TestDecideUnknown(t *testing.T) {
	b := newTestBroker()
	assert.Nil(t, b.Decide("missing", Decision{Approve: true}))
}

func TestAwaitDecisionObservesEarlyDenial(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", nil, "sess-1")
	b.Decide(req.ID, Decision{DenyReason: "no"})

	start := time.Now()
	outcome := b.AwaitDecision(context.Background(), req.ID, time.Second)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, "no", outcome.DenyReason)
	assert.False(t, outcome.TimedOut)
	// Resolved before the wait started; observed within one poll interval.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAwaitDecisionSeesLateApproval(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", nil, "sess-1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Decide(req.ID, Decision{Approve: true})
	}()

	outcome := b.AwaitDecision(context.Background(), req.ID, time.Second)
	assert.True(t, outcome.Allowed)
}

func TestAwaitDecisionTimesOutToDenial(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", nil, "sess-1")

	start := time.Now()
	outcome := b.AwaitDecision(context.Background(), req.ID, 50*time.Millisecond)

	assert.False(t, outcome.Allowed)
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, ReasonTimeout, outcome.DenyReason)
	// Bounded: timeout plus one poll interval, with scheduling slack.
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// The request itself was denied, not left dangling.
	got := b.Get(req.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, ReasonTimeout, got.DenyReason)
}

func TestAwaitDecisionUnknownID(t *testing.T) {
	b := newTestBroker()
	outcome := b.AwaitDecision(context.Background(), "missing", time.Second)
	assert.False(t, outcome.Allowed)
}

func TestAwaitDecisionContextCanceled(t *testing.T) {
	b := newTestBroker()
	req := b.Register("write_file", nil, "sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := b.AwaitDecision(ctx, req.ID, time.Second)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, ReasonCanceled, outcome.DenyReason)
}

func TestResolvedHookFires(t *testing.T) {
	b := newTestBroker()
	var gotStatus Status
	b.SetResolvedHook(func(req *Request) { gotStatus = req.Status })

	req := b.Register("write_file", nil, "sess-1")
	b.Decide(req.ID, Decision{Approve: true})
	assert.Equal(t, StatusApproved, gotStatus)
}
