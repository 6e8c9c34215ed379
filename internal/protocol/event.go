package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is carried in every event envelope.
const ProtocolVersion = 1

// Event types delivered on a session stream.
const (
	TypeRawOutput         = "output.raw"
	TypeCanvasShow        = "canvas.show"
	TypeCanvasDelta       = "canvas.delta"
	TypeCanvasComplete    = "canvas.complete"
	TypeRecordCreated     = "history.record_created"
	TypeHistoryChanged    = "history.changed"
	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"
	TypeSessionError      = "session.error"
	TypeSessionClosed     = "session.closed"
)

// Event is the versioned envelope for everything delivered on a session
// stream. Seq is assigned by the session registry at append time and is
// strictly increasing per session, so clients can de-duplicate after a
// reconnect.
type Event struct {
	V       int             `json:"v"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event envelope with the payload marshaled in place.
// Seq is left at zero; the registry fills it in.
func NewEvent(eventType string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}
	return Event{
		V:       ProtocolVersion,
		Type:    eventType,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: raw,
	}, nil
}

// IsTerminal reports whether an event ends the stream for its session.
func (e Event) IsTerminal() bool {
	return e.Type == TypeSessionClosed
}

// RawOutputPayload wraps a subprocess line that could not be parsed as a
// structured record.
type RawOutputPayload struct {
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

// CanvasShowPayload tells clients to open the canvas editor. Emitted once
// per generation, when code is first recognized in the stream.
type CanvasShowPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// CanvasDeltaPayload carries the latest known code text. Clients apply it
// as a full replacement, not an incremental patch.
type CanvasDeltaPayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// CanvasCompletePayload marks the end of code streaming for a generation.
type CanvasCompletePayload struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"` // "code", "diff", or "none"
}

// RecordCreatedPayload references a committed history record.
type RecordCreatedPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	RecordID       string `json:"record_id"`
	Mode           string `json:"mode"`
}

// HistoryChangedPayload notifies clients that the conversation's history
// file changed out of band and should be refetched.
type HistoryChangedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ApprovalRequestedPayload announces a pending tool approval.
type ApprovalRequestedPayload struct {
	SessionID  string          `json:"session_id"`
	ApprovalID string          `json:"approval_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
}

// ApprovalResolvedPayload announces the outcome of a tool approval.
type ApprovalResolvedPayload struct {
	SessionID  string `json:"session_id"`
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	DenyReason string `json:"deny_reason,omitempty"`
}

// SessionErrorPayload surfaces a subprocess-reported failure to clients.
type SessionErrorPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SessionClosedPayload is the terminal event for a session.
type SessionClosedPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}
