// Package supervisor owns one agent subprocess: lifecycle, framed JSON-RPC
// I/O over its stdio, request/response correlation, raw-event normalization
// into the IR mapper, and error classification. It publishes upward only
// through the Taps capability object; it holds no reference to its owner.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/ir"
	"github.com/cloud-codex/cloud-codex/pkg/codex"
)

// ProcessError is a classified error record from the agent process.
type ProcessError struct {
	Summary  string `json:"summary"`
	Details  string `json:"details"`
	Source   string `json:"source"` // stderr, exit, response
	Ts       int64  `json:"ts"`
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
}

// ApprovalCall carries an agent-initiated approval request up to the broker.
// Respond must be called exactly once with the original rpc id's response.
type ApprovalCall struct {
	RPCID    interface{}
	Method   string
	Params   json.RawMessage
	ThreadID string
	TurnID   string
	ItemID   string

	Respond func(result interface{}, rpcErr *codex.Error) error
}

// Taps is the capability set a subscriber registers on the supervisor.
// Nil members are skipped. OnApprovalRequest returns the broker-generated
// approval id so it can be reflected into the run view; a handled=false
// return makes the supervisor decline the request itself.
type Taps struct {
	OnEvent           func(ev ir.RawEvent)
	OnRunUpdate       func(threadID string, snapshot json.RawMessage)
	OnProcessError    func(pe ProcessError)
	OnApprovalRequest func(call ApprovalCall) (approvalID string, handled bool)
	OnExit            func(exitCode int, err error)
}

// Options configures the agent subprocess.
type Options struct {
	Command        string
	Args           []string
	WorkingDir     string
	Env            []string // nil inherits the host environment
	RequestTimeout time.Duration
	ClientName     string
	ClientVersion  string
}

// Supervisor manages a single agent subprocess.
type Supervisor struct {
	opts   Options
	taps   Taps
	logger *logger.Logger

	cmd    *exec.Cmd
	client *codex.Client

	mapper   *ir.Mapper
	eventSeq atomic.Int64

	mu           sync.Mutex
	lastThreadID string
	lastTurnID   string
	closed       bool

	stopOnce sync.Once
}

// New creates a supervisor for one agent subprocess. Call Start to spawn it.
func New(opts Options, taps Taps, log *logger.Logger) *Supervisor {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = codex.DefaultRequestTimeout
	}
	return &Supervisor{
		opts:   opts,
		taps:   taps,
		logger: log.Named("supervisor"),
		mapper: ir.NewMapper(),
	}
}

// Start spawns the agent with cwd set to the working directory, pipes its
// stdio, and begins line-based reading on stdout. It returns once the spawn
// succeeds; the initialize handshake is a separate step.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.WorkingDir
	if s.opts.Env != nil {
		cmd.Env = append(os.Environ(), s.opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	client := codex.NewClient(stdin, stdout, s.opts.RequestTimeout, s.logger)
	client.SetNotificationHandler(s.handleNotification)
	client.SetRequestHandler(s.handleRequest)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn agent %q: %w", s.opts.Command, err)
	}

	s.cmd = cmd
	s.client = client

	go s.stderrLoop(stderr)
	client.Start(ctx)
	go s.waitLoop()

	s.logger.Info("agent spawned",
		zap.String("command", s.opts.Command),
		zap.String("cwd", s.opts.WorkingDir),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Initialize performs the initialize handshake: a blocking initialize call
// followed by the initialized notification. Completion gates user traffic.
func (s *Supervisor) Initialize(ctx context.Context) error {
	params := codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{
			Name:    s.opts.ClientName,
			Version: s.opts.ClientVersion,
		},
	}
	if _, err := s.Call(ctx, codex.MethodInitialize, params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := s.client.Notify(codex.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	return nil
}

// Call sends a request to the agent and waits for the result. Error
// responses are fed through the classifier before being delivered.
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	resp, err := s.client.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		summary := ClassifySummary(resp.Error.Message)
		s.emitProcessError(ProcessError{
			Summary: summary,
			Details: resp.Error.Message,
			Source:  "response",
			Ts:      time.Now().UnixMilli(),
		})
		return nil, fmt.Errorf("%s: %s (code %d)", summary, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

// Notify sends a fire-and-forget notification to the agent.
func (s *Supervisor) Notify(method string, params interface{}) error {
	return s.client.Notify(method, params)
}

// Respond sends a response for an agent-initiated request.
func (s *Supervisor) Respond(id interface{}, result interface{}, rpcErr *codex.Error) error {
	return s.client.SendResponse(id, result, rpcErr)
}

// Stop terminates the agent and closes the reader. Double-close is a no-op.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				s.logger.Debug("terminate signal failed", zap.Error(err))
			}
		}
		if s.client != nil {
			s.client.Stop()
		}
	})
	return nil
}

// RunSnapshot returns the JSON snapshot of one run view.
func (s *Supervisor) RunSnapshot(threadID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.mapper.Run(threadID)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(run)
	if err != nil {
		s.logger.Error("failed to marshal run view", zap.Error(err))
		return nil, false
	}
	return data, true
}

// RunSnapshots returns JSON snapshots of all run views in creation order.
func (s *Supervisor) RunSnapshots() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.mapper.Runs()
	out := make([]json.RawMessage, 0, len(runs))
	for _, run := range runs {
		if data, err := json.Marshal(run); err == nil {
			out = append(out, data)
		}
	}
	return out
}

// ResolveApproval feeds an approval outcome back into the run view. The
// agent already got its JSON-RPC response; this synthetic event is how the
// settled status reaches the IR, since no wire notification carries it.
func (s *Supervisor) ResolveApproval(threadID, itemID, approvalID, status, decision string) {
	ev := ir.RawEvent{
		ID:       fmt.Sprintf("ev-%06d", s.eventSeq.Add(1)),
		Ts:       time.Now().UnixMilli(),
		ThreadID: threadID,
		Type:     ir.EventApprovalResolved,
		Payload: map[string]interface{}{
			"threadId":   threadID,
			"itemId":     itemID,
			"approvalId": approvalID,
			"status":     status,
			"decision":   decision,
		},
	}
	if s.taps.OnEvent != nil {
		s.taps.OnEvent(ev)
	}
	s.consume(ev)
}

// handleNotification feeds an agent notification into the IR pipeline.
func (s *Supervisor) handleNotification(method string, params json.RawMessage) {
	ev := s.buildEvent(method, params, nil)

	if s.taps.OnEvent != nil {
		s.taps.OnEvent(ev)
	}
	s.consume(ev)
}

// handleRequest dispatches an agent-initiated request. Approval methods are
// delivered to the broker through the approval tap; the broker-generated
// approval id is reflected into the event before IR consumption. Anything
// unhandled is declined so the rpc id always gets exactly one response.
func (s *Supervisor) handleRequest(id interface{}, method string, params json.RawMessage) {
	ev := s.buildEvent(method, params, id)

	var approvalID string
	handled := false
	if s.taps.OnApprovalRequest != nil {
		call := ApprovalCall{
			RPCID:    id,
			Method:   method,
			Params:   params,
			ThreadID: ev.ThreadID,
			TurnID:   ev.TurnID,
			ItemID:   stringField(ev.Payload, "itemId"),
			Respond: func(result interface{}, rpcErr *codex.Error) error {
				return s.Respond(id, result, rpcErr)
			},
		}
		approvalID, handled = s.taps.OnApprovalRequest(call)
	}

	if !handled {
		s.logger.Warn("unhandled agent request, declining",
			zap.String("method", method), zap.Any("id", id))
		if err := s.Respond(id, codex.ApprovalResult{Decision: "decline"}, nil); err != nil {
			s.logger.Error("failed to decline agent request", zap.Error(err))
		}
	}
	if approvalID != "" {
		ev.Payload["approvalId"] = approvalID
	}

	if s.taps.OnEvent != nil {
		s.taps.OnEvent(ev)
	}
	s.consume(ev)
}

// consume feeds an event to the mapper and emits a run update when the view
// changed. Mapper access is serialized under the supervisor mutex.
func (s *Supervisor) consume(ev ir.RawEvent) {
	s.mu.Lock()
	run := s.mapper.Consume(ev)
	var snapshot json.RawMessage
	if run != nil {
		if data, err := json.Marshal(run); err == nil {
			snapshot = data
		} else {
			s.logger.Error("failed to marshal run view", zap.Error(err))
		}
	}
	s.mu.Unlock()

	if snapshot != nil && s.taps.OnRunUpdate != nil {
		s.taps.OnRunUpdate(run.RunID, snapshot)
	}
}

// buildEvent normalizes an incoming frame into a raw event: fresh monotonic
// id, wall-clock ts, thread/turn extraction with inheritance from the last
// known ids.
func (s *Supervisor) buildEvent(method string, params json.RawMessage, rpcID interface{}) ir.RawEvent {
	payload := make(map[string]interface{})
	if len(params) > 0 {
		if err := json.Unmarshal(params, &payload); err != nil {
			s.logger.Warn("unparseable params", zap.String("method", method), zap.Error(err))
			payload = make(map[string]interface{})
		}
	}

	threadID := ir.ExtractThreadID(payload)
	turnID := ir.ExtractTurnID(payload)

	s.mu.Lock()
	if threadID != "" {
		s.lastThreadID = threadID
	} else {
		threadID = s.lastThreadID
	}
	if turnID != "" {
		s.lastTurnID = turnID
	} else {
		turnID = s.lastTurnID
	}
	s.mu.Unlock()

	return ir.RawEvent{
		ID:       fmt.Sprintf("ev-%06d", s.eventSeq.Add(1)),
		Ts:       time.Now().UnixMilli(),
		ThreadID: threadID,
		TurnID:   turnID,
		Type:     method,
		Payload:  payload,
		RPCID:    rpcID,
	}
}

// stderrLoop classifies every non-empty stderr chunk as a process error.
// stderr alone never tears the session down.
func (s *Supervisor) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 16*1024)
	scanner.Buffer(buf, 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.mu.Lock()
		threadID, turnID := s.lastThreadID, s.lastTurnID
		s.mu.Unlock()
		s.emitProcessError(ProcessError{
			Summary:  ClassifySummary(line),
			Details:  line,
			Source:   "stderr",
			Ts:       time.Now().UnixMilli(),
			ThreadID: threadID,
			TurnID:   turnID,
		})
	}
}

// waitLoop reaps the subprocess, rejects all pending waiters, and reports
// the exit upward.
func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()

	// reject in-flight calls before anything else
	s.client.Stop()

	exitCode := 0
	if s.cmd.ProcessState != nil {
		exitCode = s.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	expected := s.closed
	threadID, turnID := s.lastThreadID, s.lastTurnID
	s.closed = true
	s.mu.Unlock()

	if !expected && (err != nil || exitCode != 0) {
		details := fmt.Sprintf("agent exited with code %d", exitCode)
		if err != nil {
			details = fmt.Sprintf("%s: %v", details, err)
		}
		s.emitProcessError(ProcessError{
			Summary:  ClassifySummary(details),
			Details:  details,
			Source:   "exit",
			Ts:       time.Now().UnixMilli(),
			ThreadID: threadID,
			TurnID:   turnID,
		})
	}

	if s.taps.OnExit != nil {
		s.taps.OnExit(exitCode, err)
	}
}

func (s *Supervisor) emitProcessError(pe ProcessError) {
	log := s.logger
	if pe.ThreadID != "" {
		log = log.WithThread(pe.ThreadID, pe.TurnID)
	}
	log.Warn("agent process error",
		zap.String("source", pe.Source),
		zap.String("summary", pe.Summary),
		zap.String("details", pe.Details))
	if s.taps.OnProcessError != nil {
		s.taps.OnProcessError(pe)
	}
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
