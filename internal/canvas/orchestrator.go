// Package canvas glues the stream extractor, the session registry, the
// approval broker, and the history store together for one concrete
// workflow: generator output becomes canvas events while it streams, and
// exactly one history record when it completes.
package canvas

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codecanvas/streamd/internal/approval"
	"github.com/codecanvas/streamd/internal/extract"
	"github.com/codecanvas/streamd/internal/history"
	"github.com/codecanvas/streamd/internal/metrics"
	"github.com/codecanvas/streamd/internal/protocol"
	"github.com/codecanvas/streamd/internal/session"
)

// Orchestrator wires the core components and spawns per-generation state.
type Orchestrator struct {
	registry        *session.Registry
	broker          *approval.Broker
	store           *history.Store
	logger          *zap.Logger
	metrics         *metrics.Metrics
	approvalTimeout time.Duration
}

// DefaultApprovalTimeout is the stuck-approval ceiling: a tool call that
// nobody decides resolves to a denial after this long.
const DefaultApprovalTimeout = 10 * time.Minute

// NewOrchestrator builds the glue layer. Metrics may be nil; a zero
// approvalTimeout falls back to DefaultApprovalTimeout.
func NewOrchestrator(reg *session.Registry, broker *approval.Broker, store *history.Store, approvalTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:        reg,
		broker:          broker,
		store:           store,
		logger:          logger,
		metrics:         m,
		approvalTimeout: approvalTimeout,
	}
}

// RequestApproval registers a tool approval, notifies the session's
// clients, and blocks until a decision, the timeout, or context
// cancellation. It always returns an allow/deny outcome.
func (o *Orchestrator) RequestApproval(ctx context.Context, sessionID, toolName string, input json.RawMessage) approval.Outcome {
	req := o.broker.Register(toolName, input, sessionID)
	o.registry.Append(sessionID, protocol.TypeApprovalRequested, protocol.ApprovalRequestedPayload{
		SessionID:  sessionID,
		ApprovalID: req.ID,
		ToolName:   toolName,
		ToolInput:  input,
	})
	if o.metrics != nil {
		o.metrics.ApprovalsPending.Inc()
		defer o.metrics.ApprovalsPending.Dec()
	}

	outcome := o.broker.AwaitDecision(ctx, req.ID, o.approvalTimeout)
	if outcome.TimedOut {
		// Decisions made through the control plane emit their own resolved
		// event; the synthesized timeout denial has no other reporter.
		o.registry.Append(sessionID, protocol.TypeApprovalResolved, protocol.ApprovalResolvedPayload{
			SessionID:  sessionID,
			ApprovalID: req.ID,
			Status:     string(approval.StatusDenied),
			DenyReason: approval.ReasonTimeout,
		})
	}
	return outcome
}

// NotifyDecision reports a human decision to the session's clients.
func (o *Orchestrator) NotifyDecision(req *approval.Request) {
	o.registry.Append(req.SessionID, protocol.TypeApprovalResolved, protocol.ApprovalResolvedPayload{
		SessionID:  req.SessionID,
		ApprovalID: req.ID,
		Status:     string(req.Status),
		DenyReason: req.DenyReason,
	})
}

// GenState is the lifecycle of one generation.
type GenState int

const (
	GenIdle GenState = iota
	GenStreaming
	GenCodeCommitted
	GenDiffCommitted
	GenAborted
)

// Generation accumulates one generation's stream and turns extraction
// results into session events and, on completion, a history record. All
// methods are called from the single goroutine scanning the subprocess
// output, so no locking is needed here.
type Generation struct {
	orch           *Orchestrator
	sessionID      string
	conversationID string
	originalCode   string

	st     extract.State
	state  GenState
	showed bool
}

// StartGeneration creates the per-generation state. originalCode is the
// editor content at the moment generation started; it becomes the diff base
// if the generation commits in diff mode.
func (o *Orchestrator) StartGeneration(sessionID, conversationID, originalCode string) *Generation {
	return &Generation{
		orch:           o,
		sessionID:      sessionID,
		conversationID: conversationID,
		originalCode:   originalCode,
	}
}

// State returns the generation's lifecycle state.
func (g *Generation) State() GenState { return g.state }

// HandleChunk feeds one chunk of generator text through the extractor and
// emits canvas events for anything newly recognized. The "show editor"
// event is edge-triggered: it fires once, on the first recognized code.
func (g *Generation) HandleChunk(text string) {
	if g.state == GenIdle {
		g.state = GenStreaming
	}

	var res extract.Result
	g.st, res = g.st.Feed(text)

	switch res.Kind {
	case extract.PartialCode, extract.CompleteCode:
		if !g.showed {
			g.showed = true
			g.orch.registry.Append(g.sessionID, protocol.TypeCanvasShow, protocol.CanvasShowPayload{
				SessionID:      g.sessionID,
				ConversationID: g.conversationID,
			})
		}
		g.orch.registry.Append(g.sessionID, protocol.TypeCanvasDelta, protocol.CanvasDeltaPayload{
			SessionID: g.sessionID,
			Code:      res.Code,
		})
	case extract.DiffDetected, extract.NoCode:
		// Nothing to show: diff mode renders nothing incrementally, and
		// NoCode means no change since the last delta.
	}
}

// Complete re-runs extraction over the full final text to decide the
// commit mode, writes exactly one history record, and emits the completion
// events. A persistence failure is logged and the stream continues: the
// client already has the in-memory text.
func (g *Generation) Complete() {
	final := extract.Classify(g.st.Text)

	var (
		rec  history.VersionRecord
		mode string
	)
	switch final.Kind {
	case extract.DiffDetected:
		diff, ok := extract.ExtractDiff(g.st.Text)
		if !ok {
			g.abort("diff markers seen but no extractable block")
			return
		}
		if !diff.Complete {
			g.orch.logger.Warn("committing best-effort incomplete diff",
				zap.String("conversation_id", g.conversationID))
		}
		rec = history.VersionRecord{
			Diff:           diff.Text,
			OriginalCode:   g.originalCode,
			DiffIncomplete: !diff.Complete,
		}
		mode = "diff"
		g.state = GenDiffCommitted
	case extract.PartialCode, extract.CompleteCode:
		rec = history.VersionRecord{
			Code:         final.Code,
			OriginalCode: g.originalCode,
		}
		mode = "code"
		g.state = GenCodeCommitted
	default:
		g.abort("")
		return
	}

	recordID, err := g.orch.store.AddVersion(g.conversationID, rec)
	if err != nil {
		g.orch.logger.Error("history commit failed",
			zap.String("conversation_id", g.conversationID), zap.Error(err))
		if g.orch.metrics != nil {
			g.orch.metrics.HistoryWrites.WithLabelValues("error").Inc()
		}
	} else {
		if g.orch.metrics != nil {
			g.orch.metrics.HistoryWrites.WithLabelValues("ok").Inc()
		}
		g.orch.registry.Append(g.sessionID, protocol.TypeRecordCreated, protocol.RecordCreatedPayload{
			SessionID:      g.sessionID,
			ConversationID: g.conversationID,
			RecordID:       recordID,
			Mode:           mode,
		})
	}

	g.orch.registry.Append(g.sessionID, protocol.TypeCanvasComplete, protocol.CanvasCompletePayload{
		SessionID: g.sessionID,
		Mode:      mode,
	})
	if g.orch.metrics != nil {
		g.orch.metrics.GenerationsTotal.WithLabelValues(mode).Inc()
	}
}

// abort finishes a generation that produced no committable artifact.
func (g *Generation) abort(reason string) {
	g.state = GenAborted
	if reason != "" {
		g.orch.logger.Warn("generation aborted",
			zap.String("session_id", g.sessionID), zap.String("reason", reason))
	}
	g.orch.registry.Append(g.sessionID, protocol.TypeCanvasComplete, protocol.CanvasCompletePayload{
		SessionID: g.sessionID,
		Mode:      "none",
	})
	if g.orch.metrics != nil {
		g.orch.metrics.GenerationsTotal.WithLabelValues("none").Inc()
	}
}

// ReportError surfaces a subprocess-reported failure as an explicit error
// event rather than a silent drop.
func (o *Orchestrator) ReportError(sessionID, message string) {
	o.registry.Append(sessionID, protocol.TypeSessionError, protocol.SessionErrorPayload{
		SessionID: sessionID,
		Message:   message,
	})
}
