package ir

import "github.com/cloud-codex/cloud-codex/pkg/codex"

// EventApprovalResolved is the synthetic event type the supervisor feeds
// back when the broker settles an approval. It never appears on the wire;
// the agent learns the outcome through its JSON-RPC response instead.
const EventApprovalResolved = "approval/resolved"

// Mapper folds raw events into per-thread run views. It is not safe for
// concurrent use; the owning supervisor serializes access.
type Mapper struct {
	runs     map[string]*RunView
	runOrder []string
	rawLog   []RawEvent
}

// NewMapper creates an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{
		runs: make(map[string]*RunView),
	}
}

// Consume folds one event into the matching run view and returns the updated
// view, or nil when no view was touched (no thread id, unknown event type).
// Events are recorded in the raw log either way.
func (m *Mapper) Consume(ev RawEvent) *RunView {
	m.rawLog = append(m.rawLog, ev)

	threadID := ev.ThreadID
	if threadID == "" {
		threadID = ExtractThreadID(ev.Payload)
	}
	if threadID == "" {
		return nil
	}

	turnID := ev.TurnID
	if turnID == "" {
		turnID = ExtractTurnID(ev.Payload)
	}

	run := m.run(threadID)

	switch ev.Type {
	case codex.NotifyThreadStarted:
		if run.CreatedAt == 0 {
			run.CreatedAt = ev.Ts
		}

	case codex.NotifyTurnStarted:
		run.Status = RunInProgress
		if turnID != "" {
			run.Meta["lastTurnId"] = turnID
		}

	case codex.NotifyTurnCompleted:
		run.Status = turnCompletedStatus(ev.Payload)
		m.closeReasoningSteps(run, turnID, ev)

	case codex.NotifyTurnPlanUpdated:
		plan := &PlanView{
			TurnID:      turnID,
			UpdatedAt:   ev.Ts,
			Explanation: getString(ev.Payload, "explanation"),
			Steps:       planSteps(ev.Payload),
		}
		if run.Plan != nil {
			prev := *run.Plan
			plan.History = append(prev.History, PlanView{
				TurnID:      prev.TurnID,
				UpdatedAt:   prev.UpdatedAt,
				Explanation: prev.Explanation,
				Steps:       prev.Steps,
			})
		}
		run.Plan = plan

	case codex.NotifyTurnDiffUpdated:
		run.Diff = &DiffView{
			TurnID:    turnID,
			UpdatedAt: ev.Ts,
			Diff:      getString(ev.Payload, "diff"),
		}

	case codex.NotifyTokenUsageUpdated:
		run.TokenUsage = &TokenUsageView{
			UpdatedAt:    ev.Ts,
			InputTokens:  getInt64(ev.Payload, "inputTokens"),
			OutputTokens: getInt64(ev.Payload, "outputTokens"),
			TotalTokens:  getInt64(ev.Payload, "totalTokens"),
		}

	case codex.NotifyItemStarted:
		m.itemStarted(run, turnID, ev)

	case codex.NotifyItemCompleted:
		m.itemCompleted(run, turnID, ev)

	case codex.NotifyItemAgentMessageDelta:
		m.appendDelta(run, turnID, ev, KindAssistantMessage)
	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningSummaryPart, codex.NotifyItemReasoningTextDelta:
		m.appendDelta(run, turnID, ev, KindReasoning)
	case codex.NotifyItemCmdExecOutputDelta:
		m.appendDelta(run, turnID, ev, KindCommandExecution)
	case codex.NotifyItemFileChangeOutputDelta:
		m.appendDelta(run, turnID, ev, KindFileChange)

	case codex.RequestCmdExecApproval:
		m.attachApproval(run, turnID, ev, KindCommandExecution)
	case codex.RequestFileChangeApproval:
		m.attachApproval(run, turnID, ev, KindFileChange)

	case EventApprovalResolved:
		if !m.resolveApproval(run, ev) {
			return nil
		}

	case codex.NotifyError:
		// unsolicited agent errors surface as synthesized system notes
		step, created := run.step("note-" + ev.ID)
		if created {
			step.Kind = KindSystemNote
			step.TsStart = ev.Ts
		}
		if turnID != "" {
			step.TurnID = turnID
		}
		step.Status = StepCompleted
		step.TsEnd = ev.Ts
		step.Meta = map[string]interface{}{"message": getString(ev.Payload, "message")}
		recordEvent(step, ev.ID)

	default:
		return nil
	}

	return run
}

// Run returns the view for a thread, if one exists.
func (m *Mapper) Run(threadID string) (*RunView, bool) {
	run, ok := m.runs[threadID]
	return run, ok
}

// Runs returns all run views in creation order.
func (m *Mapper) Runs() []*RunView {
	out := make([]*RunView, 0, len(m.runOrder))
	for _, id := range m.runOrder {
		out = append(out, m.runs[id])
	}
	return out
}

// RawLog returns the events consumed so far, in arrival order.
func (m *Mapper) RawLog() []RawEvent {
	return m.rawLog
}

func (m *Mapper) run(threadID string) *RunView {
	if run, ok := m.runs[threadID]; ok {
		return run
	}
	run := newRunView(threadID)
	m.runs[threadID] = run
	m.runOrder = append(m.runOrder, threadID)
	return run
}

func (m *Mapper) itemStarted(run *RunView, turnID string, ev RawEvent) {
	item := getMap(ev.Payload, "item")
	itemID := getString(item, "id")
	if itemID == "" {
		return
	}
	kind := kindForItemType(getString(item, "type"))

	// a non-reasoning item starting implies the current reasoning is done
	if kind != KindReasoning {
		m.closeReasoningSteps(run, turnID, ev)
	}

	step, _ := run.step(itemID)
	step.Kind = kind
	if turnID != "" {
		step.TurnID = turnID
	}
	if !isTerminal(step.Status) {
		step.Status = StepInProgress
	}
	if step.TsStart == 0 {
		step.TsStart = ev.Ts
	}
	if meta := itemMeta(kind, item); len(meta) > 0 {
		step.Meta = meta
	}
	recordEvent(step, ev.ID)
}

func (m *Mapper) itemCompleted(run *RunView, turnID string, ev RawEvent) {
	item := getMap(ev.Payload, "item")
	itemID := getString(item, "id")
	if itemID == "" {
		return
	}

	step, created := run.step(itemID)
	kind := kindForItemType(getString(item, "type"))
	if created {
		step.Kind = kind
		step.TsStart = ev.Ts
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}

	// a later item/completed is authoritative
	if step.Kind == KindReasoning {
		step.Status = StepCompleted
	} else {
		step.Status = stepStatusForItem(getString(item, "status"))
	}
	step.TsEnd = ev.Ts
	if result := itemResult(step.Kind, item); len(result) > 0 {
		step.Result = result
	}
	recordEvent(step, ev.ID)
}

func (m *Mapper) appendDelta(run *RunView, turnID string, ev RawEvent, kind StepKind) {
	itemID := getString(ev.Payload, "itemId")
	if itemID == "" {
		return
	}
	step, created := run.step(itemID)
	if created {
		step.Kind = kind
		step.Status = StepInProgress
		step.TsStart = ev.Ts
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}
	// stream only grows; deltas after a terminal status append silently
	delta := getString(ev.Payload, "delta")
	if delta == "" {
		delta = getString(ev.Payload, "text")
	}
	step.Stream += delta
	recordEvent(step, ev.ID)
}

func (m *Mapper) attachApproval(run *RunView, turnID string, ev RawEvent, kind StepKind) {
	itemID := getString(ev.Payload, "itemId")
	if itemID == "" {
		return
	}
	step, created := run.step(itemID)
	if created {
		step.Kind = kind
		step.TsStart = ev.Ts
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}

	reason := getString(ev.Payload, "reasoning")
	if reason == "" {
		reason = getString(ev.Payload, "reason")
	}
	step.Approval = &ApprovalView{
		ApprovalID: getString(ev.Payload, "approvalId"),
		Status:     ApprovalPending,
		Reason:     reason,
		Risk:       getString(ev.Payload, "risk"),
	}
	if !isTerminal(step.Status) {
		step.Status = StepPending
	}
	recordEvent(step, ev.ID)
}

// resolveApproval settles a step's pending approval with the broker's
// outcome. Steps without a matching approval are left untouched.
func (m *Mapper) resolveApproval(run *RunView, ev RawEvent) bool {
	itemID := getString(ev.Payload, "itemId")
	step, ok := run.stepIndex[itemID]
	if !ok || step.Approval == nil {
		return false
	}
	if approvalID := getString(ev.Payload, "approvalId"); approvalID != "" && step.Approval.ApprovalID != approvalID {
		return false
	}

	accepted := getString(ev.Payload, "decision") == "accept"
	switch getString(ev.Payload, "status") {
	case "accepted":
		step.Approval.Status = ApprovalAccepted
		accepted = true
	case "timeout":
		// the default action decides whether the step may proceed
		step.Approval.Status = ApprovalTimeout
	default:
		step.Approval.Status = ApprovalDeclined
		accepted = false
	}
	if !isTerminal(step.Status) {
		if accepted {
			step.Status = StepInProgress
		} else {
			step.Status = StepDeclined
			step.TsEnd = ev.Ts
		}
	}
	recordEvent(step, ev.ID)
	return true
}

// closeReasoningSteps force-completes any in-progress reasoning step of the
// given turn, stamping the closing event's timestamp.
func (m *Mapper) closeReasoningSteps(run *RunView, turnID string, ev RawEvent) {
	for _, step := range run.Steps {
		if step.Kind != KindReasoning || step.Status != StepInProgress {
			continue
		}
		if turnID != "" && step.TurnID != "" && step.TurnID != turnID {
			continue
		}
		step.Status = StepCompleted
		step.TsEnd = ev.Ts
		recordEvent(step, ev.ID)
	}
}

// recordEvent appends a contributing raw event id once, keeping replays of
// the same event idempotent.
func recordEvent(step *StepView, eventID string) {
	for _, id := range step.RawEventIDs {
		if id == eventID {
			return
		}
	}
	step.RawEventIDs = append(step.RawEventIDs, eventID)
}

func isTerminal(s StepStatus) bool {
	return s == StepCompleted || s == StepFailed || s == StepDeclined
}

func stepStatusForItem(itemStatus string) StepStatus {
	switch itemStatus {
	case "failed":
		return StepFailed
	case "declined":
		return StepDeclined
	default:
		return StepCompleted
	}
}

func turnCompletedStatus(payload map[string]interface{}) RunStatus {
	status := getString(payload, "status")
	if status == "" {
		status = getString(getMap(payload, "turn"), "status")
	}
	switch status {
	case "failed":
		return RunFailed
	case "interrupted":
		return RunInterrupted
	case "inProgress":
		return RunInProgress
	case "":
		if success, ok := payload["success"].(bool); ok && !success {
			return RunFailed
		}
		return RunCompleted
	default:
		return RunCompleted
	}
}

func kindForItemType(itemType string) StepKind {
	switch itemType {
	case "userMessage":
		return KindUserMessage
	case "agentMessage", "assistantMessage":
		return KindAssistantMessage
	case "reasoning":
		return KindReasoning
	case "commandExecution":
		return KindCommandExecution
	case "fileChange":
		return KindFileChange
	case "mcpToolCall":
		return KindMcpToolCall
	case "collabToolCall":
		return KindCollabToolCall
	case "webSearch":
		return KindWebSearch
	case "imageView":
		return KindImageView
	case "reviewMode", "enteredReviewMode":
		return KindReviewMode
	case "compacted":
		return KindCompacted
	default:
		return KindSystemNote
	}
}

// itemMeta extracts the kind-specific static attributes of an item.
func itemMeta(kind StepKind, item map[string]interface{}) map[string]interface{} {
	meta := make(map[string]interface{})
	switch kind {
	case KindCommandExecution:
		copyKeys(meta, item, "command", "cwd")
	case KindFileChange:
		copyKeys(meta, item, "changes")
	case KindMcpToolCall, KindCollabToolCall:
		copyKeys(meta, item, "server", "tool", "arguments")
	case KindWebSearch:
		copyKeys(meta, item, "query")
	case KindUserMessage, KindAssistantMessage:
		copyKeys(meta, item, "text")
	case KindImageView:
		copyKeys(meta, item, "path", "url")
	}
	return meta
}

// itemResult extracts the kind-specific terminal attributes of an item.
func itemResult(kind StepKind, item map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	switch kind {
	case KindCommandExecution:
		if v, ok := item["aggregatedOutput"]; ok {
			result["output"] = v
		}
		copyKeys(result, item, "exitCode", "durationMs")
	case KindMcpToolCall, KindCollabToolCall:
		copyKeys(result, item, "result", "error", "durationMs")
	case KindFileChange:
		copyKeys(result, item, "changes")
	case KindAssistantMessage, KindReasoning:
		copyKeys(result, item, "text")
	}
	return result
}

func planSteps(payload map[string]interface{}) []PlanStep {
	raw, ok := payload["plan"].([]interface{})
	if !ok {
		return nil
	}
	steps := make([]PlanStep, 0, len(raw))
	for _, entry := range raw {
		e, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		step := getString(e, "step")
		if step == "" {
			step = getString(e, "description")
		}
		steps = append(steps, PlanStep{
			Step:   step,
			Status: getString(e, "status"),
		})
	}
	return steps
}

// ExtractThreadID resolves a thread id from well-known payload shapes.
func ExtractThreadID(payload map[string]interface{}) string {
	if v := getString(payload, "threadId"); v != "" {
		return v
	}
	if v := getString(getMap(payload, "turn"), "threadId"); v != "" {
		return v
	}
	return getString(getMap(payload, "thread"), "id")
}

// ExtractTurnID resolves a turn id from well-known payload shapes.
func ExtractTurnID(payload map[string]interface{}) string {
	if v := getString(payload, "turnId"); v != "" {
		return v
	}
	return getString(getMap(payload, "turn"), "id")
}

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func getInt64(m map[string]interface{}, key string) *int64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		i := int64(v)
		return &i
	case int:
		i := int64(v)
		return &i
	case int64:
		return &v
	}
	return nil
}

func copyKeys(dst, src map[string]interface{}, keys ...string) {
	for _, key := range keys {
		if v, ok := src[key]; ok {
			dst[key] = v
		}
	}
}
