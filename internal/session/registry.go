// Package session owns the event-replay channel for each running
// generation task. A session records every event it has emitted and fans
// new ones out to attached clients; a client attaching late receives the
// full replay before any live event, which is what lets a browser resume a
// stream after a reconnect without gaps.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codecanvas/streamd/internal/metrics"
	"github.com/codecanvas/streamd/internal/protocol"
)

var (
	// ErrSessionExists is returned by Create for an id that is already live.
	ErrSessionExists = errors.New("session: already exists")
	// ErrSessionNotFound is returned by Attach for an unknown id.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSlowClient is returned by a client whose delivery buffer is full.
	ErrSlowClient = errors.New("session: client too slow")
)

// DefaultGracePeriod is how long a closed session stays resolvable, to
// absorb automatic client reconnects racing the close.
const DefaultGracePeriod = 30 * time.Second

// Client is a live connection handle. Deliver must not block; it returns
// ErrSlowClient when it cannot accept the event, at which point the
// registry detaches the client. CloseSend tells the client no further
// events will arrive.
type Client interface {
	Deliver(ev protocol.Event) error
	CloseSend()
}

// Session is the channel associated with one generation task. Events are
// only appended by the owning orchestrator, so the lock mainly guards the
// client set against concurrent attach/detach.
type Session struct {
	ID string

	mu      sync.Mutex
	events  []protocol.Event
	clients map[Client]struct{}
	closed  bool
	nextSeq int64
}

// Closed reports whether the underlying process has terminated.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Registry tracks one Session per running generation task.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	grace    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry. A zero grace falls back to
// DefaultGracePeriod; metrics may be nil.
func NewRegistry(grace time.Duration, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		grace:    grace,
		logger:   logger,
		metrics:  m,
	}
}

// Create registers a new live session for the given id.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	s := &Session{
		ID:      id,
		clients: make(map[Client]struct{}),
	}
	r.sessions[id] = s
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info("session created", zap.String("session_id", id))
	return s, nil
}

// Get returns a session, or nil if unknown.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Append records an event and fans it out to attached clients. Unknown or
// already-closed sessions make it a logged no-op: late events after
// teardown are expected and must not fail the caller.
func (r *Registry) Append(id string, eventType string, payload any) {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		r.logger.Error("drop unencodable event",
			zap.String("session_id", id), zap.String("type", eventType), zap.Error(err))
		return
	}

	s := r.Get(id)
	if s == nil {
		r.logger.Debug("append to unknown session",
			zap.String("session_id", id), zap.String("type", eventType))
		return
	}
	r.append(s, ev)
}

func (r *Registry) append(s *Session, ev protocol.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.logger.Debug("append to closed session",
			zap.String("session_id", s.ID), zap.String("type", ev.Type))
		return
	}
	s.nextSeq++
	ev.Seq = s.nextSeq
	s.events = append(s.events, ev)

	var slow []Client
	for c := range s.clients {
		if err := c.Deliver(ev); err != nil {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range slow {
		r.logger.Warn("detached slow client", zap.String("session_id", s.ID))
		if r.metrics != nil {
			r.metrics.ClientsAttached.Dec()
		}
		c.CloseSend()
	}
	if r.metrics != nil {
		r.metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
	}
}

// Attach registers a client and returns every event recorded so far, in
// original order. The snapshot and the registration happen under the
// session lock, so an event appended during the caller's replay loop sits
// in the client's delivery buffer and arrives strictly after the snapshot:
// replay-then-live, no gap, no duplicate.
func (r *Registry) Attach(id string, c Client) ([]protocol.Event, error) {
	s := r.Get(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	replay := make([]protocol.Event, len(s.events))
	copy(replay, s.events)
	closed := s.closed
	if !closed {
		s.clients[c] = struct{}{}
	}
	s.mu.Unlock()

	if !closed && r.metrics != nil {
		r.metrics.ClientsAttached.Inc()
	}
	return replay, nil
}

// Detach removes a client. Safe to call for clients that were never
// attached or were already evicted.
func (r *Registry) Detach(id string, c Client) {
	s := r.Get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok && r.metrics != nil {
		r.metrics.ClientsAttached.Dec()
	}
}

// Close appends the terminal event, ends all attached clients, and
// schedules deletion after the grace window so auto-reconnecting clients
// still find the session and its replay log. Idempotent; never blocks on
// client acknowledgement.
func (r *Registry) Close(id string, exitCode int) {
	s := r.Get(id)
	if s == nil {
		return
	}

	ev, err := protocol.NewEvent(protocol.TypeSessionClosed, protocol.SessionClosedPayload{
		SessionID: id,
		ExitCode:  exitCode,
	})
	if err != nil {
		r.logger.Error("encode close event", zap.String("session_id", id), zap.Error(err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.nextSeq++
	ev.Seq = s.nextSeq
	s.events = append(s.events, ev)
	for c := range s.clients {
		_ = c.Deliver(ev)
	}
	clients := make([]Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[Client]struct{})
	s.closed = true
	s.mu.Unlock()

	for _, c := range clients {
		c.CloseSend()
	}
	if r.metrics != nil {
		r.metrics.ClientsAttached.Sub(float64(len(clients)))
		r.metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
	}
	r.logger.Info("session closed",
		zap.String("session_id", id), zap.Int("exit_code", exitCode))

	time.AfterFunc(r.grace, func() { r.delete(id) })
}

func (r *Registry) delete(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		if r.metrics != nil {
			r.metrics.SessionsActive.Dec()
		}
		r.logger.Debug("session deleted", zap.String("session_id", id))
	}
}
