package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/cloud-codex/cloud-codex/internal/common/errors"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/session"
	"github.com/cloud-codex/cloud-codex/pkg/codex"
)

// ApprovalResolver completes pending approvals with client decisions.
type ApprovalResolver interface {
	Resolve(sessionID, approvalID, decision string, acceptSettings interface{}) error
}

// Adapter translates client verbs into registry and supervisor calls.
type Adapter struct {
	approvals ApprovalResolver
	logger    *logger.Logger
}

// NewAdapter creates a gateway adapter.
func NewAdapter(approvals ApprovalResolver, log *logger.Logger) *Adapter {
	return &Adapter{
		approvals: approvals,
		logger:    log.Named("gateway-adapter"),
	}
}

// approvalRespondPayload is the client's approval decision.
type approvalRespondPayload struct {
	ApprovalID     string      `json:"approvalId"`
	Decision       string      `json:"decision"`
	AcceptSettings interface{} `json:"acceptSettings,omitempty"`
}

// Handle dispatches one client frame against the session and returns the
// frame to send back (a response or an error, both correlated by requestId).
func (a *Adapter) Handle(ctx context.Context, sess *session.Session, frame *Frame) *Frame {
	switch frame.Type {
	case TypeThreadStart:
		var params codex.ThreadStartParams
		if err := frame.ParsePayload(&params); err != nil {
			return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("invalid thread/start payload"))
		}
		// threads always run in the session's workspace
		params.Cwd = sess.WorkingDirectory
		return a.call(ctx, sess, frame, codex.MethodThreadStart, params)

	case TypeThreadResume:
		var params codex.ThreadResumeParams
		if err := frame.ParsePayload(&params); err != nil || params.ThreadID == "" {
			return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("invalid thread/resume payload"))
		}
		return a.call(ctx, sess, frame, codex.MethodThreadResume, params)

	case TypeTurnStart:
		var params codex.TurnStartParams
		if err := frame.ParsePayload(&params); err != nil || params.ThreadID == "" {
			return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("invalid turn/start payload"))
		}
		sess.SetBusy(true)
		resp := a.call(ctx, sess, frame, codex.MethodTurnStart, params)
		if resp.Type == TypeError {
			sess.SetBusy(false)
		}
		return resp

	case TypeTurnInterrupt:
		var params codex.TurnInterruptParams
		if err := frame.ParsePayload(&params); err != nil || params.ThreadID == "" {
			return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("invalid turn/interrupt payload"))
		}
		return a.call(ctx, sess, frame, codex.MethodTurnInterrupt, params)

	case TypeApprovalRespond:
		var payload approvalRespondPayload
		if err := frame.ParsePayload(&payload); err != nil || payload.ApprovalID == "" {
			return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("invalid approval/respond payload"))
		}
		if err := a.approvals.Resolve(sess.ID, payload.ApprovalID, payload.Decision, payload.AcceptSettings); err != nil {
			a.logger.Warn("approval respond rejected",
				zap.String("session_id", sess.ID),
				zap.String("approval_id", payload.ApprovalID),
				zap.Error(err))
			return ErrorFrameFor(frame.RequestID, apperrors.ApprovalNotFound(payload.ApprovalID))
		}
		resp, _ := NewResponseFrame(frame.RequestID, map[string]string{"status": "ok"})
		return resp

	default:
		a.logger.Warn("unknown frame type", zap.String("type", frame.Type))
		return ErrorFrameFor(frame.RequestID, apperrors.BadFrame("unknown frame type: "+frame.Type))
	}
}

// call forwards a JSON-RPC request to the session's agent and wraps the
// result into a response frame.
func (a *Adapter) call(ctx context.Context, sess *session.Session, frame *Frame, method string, params interface{}) *Frame {
	result, err := sess.Supervisor.Call(ctx, method, params)
	if err != nil {
		a.logger.Warn("agent call failed",
			zap.String("session_id", sess.ID),
			zap.String("method", method),
			zap.Error(err))
		return ErrorFrameFor(frame.RequestID, apperrors.AgentError(err))
	}
	if result == nil {
		result = json.RawMessage(`null`)
	}
	return &Frame{Type: TypeResponse, RequestID: frame.RequestID, Payload: result}
}
