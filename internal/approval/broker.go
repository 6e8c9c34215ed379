// Package approval brokers human decisions for sensitive tool calls issued
// by a generation subprocess. The requester and the approver live in
// different processes that only share this HTTP-reachable broker, so the
// blocking handshake is expressed as state plus bounded polling rather than
// a channel between the two sides.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of an approval request. Pending is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Reasons attached to broker-synthesized denials.
const (
	ReasonTimeout  = "timeout"
	ReasonCanceled = "canceled"
)

// Request is one pending authorization for a tool call. Once resolved it is
// never mutated again; repeated decisions are rejected, not overwritten.
type Request struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	Status        Status          `json:"status"`
	ModifiedInput json.RawMessage `json:"modified_input,omitempty"`
	DenyReason    string          `json:"deny_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
}

func (r *Request) clone() *Request {
	cp := *r
	return &cp
}

// Decision is the approver's verdict on a pending request.
type Decision struct {
	Approve       bool
	ModifiedInput json.RawMessage
	DenyReason    string
}

// Outcome is what the awaiting side receives. A tool call always resolves
// to allow or deny; it never hangs.
type Outcome struct {
	Allowed       bool
	ModifiedInput json.RawMessage
	DenyReason    string
	TimedOut      bool
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	SessionID string
	Status    Status
}

// Broker is an in-memory registry of approval requests. Requests are held
// for the process lifetime; cleanup is the caller's responsibility.
type Broker struct {
	mu           sync.RWMutex
	requests     map[string]*Request
	order        []string
	pollInterval time.Duration
	logger       *zap.Logger

	onResolved func(req *Request)
}

// DefaultPollInterval bounds the latency between a decision landing and the
// awaiting side observing it.
const DefaultPollInterval = time.Second

// NewBroker creates a broker polling at the given interval. A zero interval
// falls back to DefaultPollInterval.
func NewBroker(pollInterval time.Duration, logger *zap.Logger) *Broker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		requests:     make(map[string]*Request),
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// SetResolvedHook installs a callback invoked (outside the broker lock)
// whenever a request transitions out of pending. Used for metrics.
func (b *Broker) SetResolvedHook(fn func(req *Request)) {
	b.onResolved = fn
}

// Register creates a fresh pending request. It always succeeds.
func (b *Broker) Register(toolName string, input json.RawMessage, sessionID string) *Request {
	req := &Request{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: input,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.requests[req.ID] = req
	b.order = append(b.order, req.ID)
	b.mu.Unlock()

	b.logger.Info("approval registered",
		zap.String("approval_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))
	return req.clone()
}

// Get returns a copy of a request, or nil if unknown.
func (b *Broker) Get(id string) *Request {
	b.mu.RLock()
	defer b.mu.RUnlock()
	req, ok := b.requests[id]
	if !ok {
		return nil
	}
	return req.clone()
}

// List returns copies of all requests matching the filter, in registration
// order.
func (b *Broker) List(f Filter) []*Request {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Request, 0, len(b.order))
	for _, id := range b.order {
		req := b.requests[id]
		if f.SessionID != "" && req.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req.clone())
	}
	return out
}

// Decide applies a decision to a pending request and returns the resolved
// copy. It returns nil and mutates nothing if the request is missing or
// already resolved, which makes double submissions harmless: the original
// decision stands.
func (b *Broker) Decide(id string, d Decision) *Request {
	b.mu.Lock()
	req, ok := b.requests[id]
	if !ok || req.Status != StatusPending {
		b.mu.Unlock()
		if ok {
			b.logger.Warn("decision on resolved approval ignored",
				zap.String("approval_id", id))
		}
		return nil
	}

	now := time.Now().UTC()
	req.DecidedAt = &now
	if d.Approve {
		req.Status = StatusApproved
		req.ModifiedInput = d.ModifiedInput
	} else {
		req.Status = StatusDenied
		req.DenyReason = d.DenyReason
	}
	resolved := req.clone()
	b.mu.Unlock()

	if b.onResolved != nil {
		b.onResolved(resolved)
	}
	b.logger.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("status", string(resolved.Status)))
	return resolved
}

// AwaitDecision polls the request until it resolves, the timeout elapses,
// or the context is canceled. On timeout or cancellation the request is
// denied in place (so it never dangles as pending forever) and the outcome
// reports the synthesized reason. The call returns within timeout plus one
// poll interval.
func (b *Broker) AwaitDecision(ctx context.Context, id string, timeout time.Duration) Outcome {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if req := b.Get(id); req == nil {
			// Unknown id resolves to a denial rather than an error: the
			// caller needs an allow/deny answer either way.
			return Outcome{Allowed: false, DenyReason: "unknown approval id"}
		} else if req.Status != StatusPending {
			return outcomeFrom(req)
		}

		if time.Now().After(deadline) {
			if resolved := b.Decide(id, Decision{DenyReason: ReasonTimeout}); resolved != nil {
				return Outcome{Allowed: false, DenyReason: ReasonTimeout, TimedOut: true}
			}
			// Lost the race with a real decision; report it.
			if req := b.Get(id); req != nil && req.Status != StatusPending {
				return outcomeFrom(req)
			}
			return Outcome{Allowed: false, DenyReason: ReasonTimeout, TimedOut: true}
		}

		select {
		case <-ctx.Done():
			b.Decide(id, Decision{DenyReason: ReasonCanceled})
			return Outcome{Allowed: false, DenyReason: ReasonCanceled}
		case <-ticker.C:
		}
	}
}

func outcomeFrom(req *Request) Outcome {
	return Outcome{
		Allowed:       req.Status == StatusApproved,
		ModifiedInput: req.ModifiedInput,
		DenyReason:    req.DenyReason,
		TimedOut:      req.DenyReason == ReasonTimeout,
	}
}
