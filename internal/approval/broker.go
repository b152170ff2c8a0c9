package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/pkg/codex"
)

// Request is an agent-initiated approval request routed through the broker.
// Respond must deliver exactly one JSON-RPC response for the original rpc id.
type Request struct {
	SessionID string
	UserID    string
	ThreadID  string
	TurnID    string
	ItemID    string
	Method    string
	RPCID     interface{}
	Params    json.RawMessage

	Respond func(result interface{}, rpcErr *codex.Error) error

	// Resolved, when set, is called after a pending approval settles so the
	// outcome can be reflected into the run view. status is one of accepted,
	// declined, timeout; decision is the accept/decline actually sent.
	Resolved func(approvalID, status, decision string)
}

// RequestFrame is the approval/request payload forwarded to the client.
// The approval id is broker-generated and scoped to the client; it is
// distinct from the agent-side rpc id.
type RequestFrame struct {
	ApprovalID string          `json:"approvalId"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
}

// PendingApproval is one entry of the broker's pending table.
type PendingApproval struct {
	ApprovalID string
	RPCID      interface{}
	SessionID  string
	UserID     string
	Request    *Request
	CreatedAt  time.Time
	Deadline   time.Time

	timer *time.Timer
}

// Config holds the broker configuration.
type Config struct {
	Timeout       time.Duration
	DefaultAction Decision
	Policy        PolicyConfig
}

// DispatchFunc forwards an approval/request frame to the owning client.
type DispatchFunc func(sessionID, userID string, frame *RequestFrame)

// Broker evaluates approval requests against the policy, keeps the pending
// table, guarantees a response within the configured deadline, and audits
// every outcome.
type Broker struct {
	cfg      Config
	policy   *Policy
	auditor  Auditor
	dispatch DispatchFunc
	logger   *logger.Logger

	pending map[string]*PendingApproval
	mu      sync.Mutex
}

// NewBroker creates an approval broker.
func NewBroker(cfg Config, auditor Auditor, dispatch DispatchFunc, log *logger.Logger) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = DecisionDecline
	}
	return &Broker{
		cfg:      cfg,
		policy:   NewPolicy(cfg.Policy),
		auditor:  auditor,
		dispatch: dispatch,
		logger:   log.Named("approval-broker"),
		pending:  make(map[string]*PendingApproval),
	}
}

// HandleRequest interposes on one approval request. Auto decisions are
// answered and audited immediately; manual ones enter the pending table and
// are forwarded to the client. The returned approval id is empty for auto
// decisions.
func (b *Broker) HandleRequest(req *Request) (string, bool) {
	var decision Decision
	var command string
	var changes interface{}
	action := "command_execution"

	switch req.Method {
	case codex.RequestCmdExecApproval:
		var params codex.CommandApprovalParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.logger.Warn("unparseable command approval params", zap.Error(err))
		}
		command = params.Command
		decision = b.policy.EvaluateCommand(params.Command, params.Cwd)

	case codex.RequestFileChangeApproval:
		action = "file_change"
		var params codex.FileChangeApprovalParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.logger.Warn("unparseable file change approval params", zap.Error(err))
		}
		changes = params.Changes
		decision = b.policy.EvaluateFileChange()

	default:
		// unknown method during approval routing: decline and audit
		b.respond(req, DecisionDecline, nil)
		b.audit(req, "unknown", string(DecisionDecline), "policy_engine",
			fmt.Sprintf("unknown approval method %q", req.Method), true, "", nil)
		return "", true
	}

	if decision != DecisionManual {
		b.respond(req, decision, nil)
		b.audit(req, action, string(decision), "policy_engine", "", true, command, changes)
		return "", true
	}

	entry := &PendingApproval{
		ApprovalID: uuid.New().String(),
		RPCID:      req.RPCID,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Request:    req,
		CreatedAt:  time.Now(),
		Deadline:   time.Now().Add(b.cfg.Timeout),
	}
	entry.timer = time.AfterFunc(b.cfg.Timeout, func() {
		b.expire(entry.ApprovalID)
	})

	b.mu.Lock()
	b.pending[entry.ApprovalID] = entry
	b.mu.Unlock()

	b.logger.Info("approval pending",
		zap.String("approval_id", entry.ApprovalID),
		zap.String("session_id", req.SessionID),
		zap.String("method", req.Method))

	if b.dispatch != nil {
		b.dispatch(req.SessionID, req.UserID, &RequestFrame{
			ApprovalID: entry.ApprovalID,
			Method:     req.Method,
			Params:     req.Params,
		})
	}
	return entry.ApprovalID, true
}

// Resolve completes a pending approval with the client's decision. Unknown
// ids and session mismatches are rejected without touching the table, so a
// response is never sent twice for one rpc id.
func (b *Broker) Resolve(sessionID, approvalID, decision string, acceptSettings interface{}) error {
	entry, ok := b.take(approvalID, sessionID)
	if !ok {
		return fmt.Errorf("unknown or mismatched approval %q", approvalID)
	}
	entry.timer.Stop()

	d := DecisionDecline
	if decision == string(DecisionAccept) {
		d = DecisionAccept
	}
	b.respond(entry.Request, d, acceptSettings)
	b.auditPending(entry, string(d), "user_"+entry.UserID, "", false)
	b.notifyResolved(entry, statusForDecision(d), d)
	return nil
}

// expire sends the configured default action once the deadline lapses.
func (b *Broker) expire(approvalID string) {
	entry, ok := b.take(approvalID, "")
	if !ok {
		return
	}
	b.logger.Info("approval timed out",
		zap.String("approval_id", approvalID),
		zap.String("session_id", entry.SessionID))

	b.respond(entry.Request, b.cfg.DefaultAction, nil)
	b.auditPending(entry, "timeout", "timeout", "approval deadline exceeded", false)
	b.notifyResolved(entry, "timeout", b.cfg.DefaultAction)
}

// FailSession eagerly resolves every pending approval of a session with the
// default action. Used when the agent subprocess is gone.
func (b *Broker) FailSession(sessionID string) {
	b.mu.Lock()
	var entries []*PendingApproval
	for id, entry := range b.pending {
		if entry.SessionID == sessionID {
			delete(b.pending, id)
			entries = append(entries, entry)
		}
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		b.respond(entry.Request, b.cfg.DefaultAction, nil)
		b.auditPending(entry, string(b.cfg.DefaultAction), "agent_exit", "agent exited", false)
		b.notifyResolved(entry, "timeout", b.cfg.DefaultAction)
	}
}

func (b *Broker) notifyResolved(entry *PendingApproval, status string, decision Decision) {
	if entry.Request.Resolved != nil {
		entry.Request.Resolved(entry.ApprovalID, status, string(decision))
	}
}

func statusForDecision(d Decision) string {
	if d == DecisionAccept {
		return "accepted"
	}
	return "declined"
}

// PendingCount returns the size of the pending table.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// take removes and returns a pending entry. When sessionID is non-empty it
// must match the entry. Take-and-remove keeps the timeout-vs-client race
// idempotent: only one caller ever gets the entry.
func (b *Broker) take(approvalID, sessionID string) (*PendingApproval, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[approvalID]
	if !ok {
		return nil, false
	}
	if sessionID != "" && entry.SessionID != sessionID {
		b.logger.Warn("approval session mismatch",
			zap.String("approval_id", approvalID),
			zap.String("expected", entry.SessionID),
			zap.String("got", sessionID))
		return nil, false
	}
	delete(b.pending, approvalID)
	return entry, true
}

func (b *Broker) respond(req *Request, decision Decision, acceptSettings interface{}) {
	result := codex.ApprovalResult{Decision: string(decision), AcceptSettings: acceptSettings}
	if err := req.Respond(result, nil); err != nil {
		b.logger.Error("failed to send approval response",
			zap.Any("rpc_id", req.RPCID),
			zap.Error(err))
	}
}

func (b *Broker) audit(req *Request, action, decision, approver, reason string, auto bool, command string, changes interface{}) {
	rec := &AuditRecord{
		Timestamp:    time.Now().UTC(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		ThreadID:     req.ThreadID,
		TurnID:       req.TurnID,
		Action:       action,
		Command:      command,
		Changes:      changes,
		Decision:     decision,
		Approver:     approver,
		Reason:       reason,
		AutoApproved: auto,
	}
	if err := b.auditor.Record(context.Background(), rec); err != nil {
		b.logger.Error("failed to write audit record", zap.Error(err))
	}
}

func (b *Broker) auditPending(entry *PendingApproval, decision, approver, reason string, auto bool) {
	req := entry.Request
	action := "command_execution"
	var command string
	var changes interface{}

	switch req.Method {
	case codex.RequestCmdExecApproval:
		var params codex.CommandApprovalParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			command = params.Command
		}
	case codex.RequestFileChangeApproval:
		action = "file_change"
		var params codex.FileChangeApprovalParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			changes = params.Changes
		}
	}
	b.audit(req, action, decision, approver, reason, auto, command, changes)
}
