package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string, ts int64, eventType, threadID, turnID string, payload map[string]interface{}) RawEvent {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return RawEvent{
		ID:       id,
		Ts:       ts,
		ThreadID: threadID,
		TurnID:   turnID,
		Type:     eventType,
		Payload:  payload,
	}
}

func item(fields map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"item": fields}
}

func TestConsumeWithoutThreadIDIsDropped(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 1, "turn/started", "", "", nil))
	assert.Nil(t, run)
	assert.Len(t, m.RawLog(), 1, "dropped events still land in the raw log")
}

func TestThreadStartedCreatesRun(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 100, "thread/started", "t1", "", nil))
	require.NotNil(t, run)
	assert.Equal(t, "t1", run.RunID)
	assert.Equal(t, int64(100), run.CreatedAt)
	assert.Equal(t, RunPending, run.Status)
}

func TestTurnLifecycle(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "thread/started", "t1", "", nil))
	run := m.Consume(event("e2", 110, "turn/started", "t1", "u1", nil))
	require.NotNil(t, run)
	assert.Equal(t, RunInProgress, run.Status)
	assert.Equal(t, "u1", run.Meta["lastTurnId"])

	run = m.Consume(event("e3", 120, "turn/completed", "t1", "u1", nil))
	assert.Equal(t, RunCompleted, run.Status)
}

func TestTurnCompletedStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
		want    RunStatus
	}{
		{"explicit failed", map[string]interface{}{"status": "failed"}, RunFailed},
		{"explicit interrupted", map[string]interface{}{"status": "interrupted"}, RunInterrupted},
		{"success false", map[string]interface{}{"success": false}, RunFailed},
		{"default", nil, RunCompleted},
		{"nested turn status", map[string]interface{}{"turn": map[string]interface{}{"id": "u1", "status": "failed"}}, RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMapper()
			run := m.Consume(event("e1", 1, "turn/completed", "t1", "u1", tc.payload))
			require.NotNil(t, run)
			assert.Equal(t, tc.want, run.Status)
		})
	}
}

// Step lifecycle: item/started, output delta, item/completed.
func TestCommandStepLifecycle(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "ls", "cwd": "/",
	})))
	m.Consume(event("e2", 110, "item/commandExecution/outputDelta", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "delta": "ok",
	}))
	run := m.Consume(event("e3", 120, "item/completed", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "aggregatedOutput": "ok", "status": "completed", "exitCode": float64(0),
	})))
	require.NotNil(t, run)
	require.Len(t, run.Steps, 1)

	step := run.Steps[0]
	assert.Equal(t, "i1", step.StepID)
	assert.Equal(t, KindCommandExecution, step.Kind)
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "ok", step.Stream)
	assert.Equal(t, "ok", step.Result["output"])
	assert.Equal(t, float64(0), step.Result["exitCode"])
	assert.Equal(t, "ls", step.Meta["command"])
	assert.Equal(t, int64(100), step.TsStart)
	assert.Equal(t, int64(120), step.TsEnd)
	assert.GreaterOrEqual(t, step.TsEnd, step.TsStart)
	assert.Equal(t, []string{"e1", "e2", "e3"}, step.RawEventIDs)
}

// A non-reasoning item starting closes the in-progress reasoning step.
func TestReasoningAutoClose(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i2", "type": "reasoning",
	})))
	run := m.Consume(event("e2", 150, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i3", "type": "commandExecution", "command": "ls",
	})))
	require.NotNil(t, run)
	require.Len(t, run.Steps, 2)

	reasoning, ok := run.Step("i2")
	require.True(t, ok)
	assert.Equal(t, StepCompleted, reasoning.Status)
	assert.Equal(t, int64(150), reasoning.TsEnd)

	command, ok := run.Step("i3")
	require.True(t, ok)
	assert.Equal(t, StepInProgress, command.Status)
}

// turn/completed force-completes reasoning steps still in progress.
func TestTurnCompletedClosesReasoning(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "r1", "type": "reasoning",
	})))
	run := m.Consume(event("e2", 200, "turn/completed", "t1", "u1", nil))
	require.NotNil(t, run)

	step, ok := run.Step("r1")
	require.True(t, ok)
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, int64(200), step.TsEnd)
}

func TestReasoningCompletedRegardlessOfItemStatus(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 100, "item/completed", "t1", "u1", item(map[string]interface{}{
		"id": "r1", "type": "reasoning", "status": "failed",
	})))
	require.NotNil(t, run)
	step, _ := run.Step("r1")
	assert.Equal(t, StepCompleted, step.Status)
}

func TestDeltaAfterTerminalAppendsSilently(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution",
	})))
	m.Consume(event("e2", 110, "item/commandExecution/outputDelta", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "delta": "a",
	}))
	m.Consume(event("e3", 120, "item/completed", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "status": "completed",
	})))
	run := m.Consume(event("e4", 130, "item/commandExecution/outputDelta", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "delta": "b",
	}))
	require.NotNil(t, run)

	step, _ := run.Step("i1")
	assert.Equal(t, StepCompleted, step.Status, "terminal status survives late deltas")
	assert.Equal(t, "ab", step.Stream, "stream keeps growing")
}

func TestTerminalStatusIsStable(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "ls",
	})))
	m.Consume(event("e2", 120, "item/completed", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "status": "failed",
	})))
	// a replayed item/started must not reopen the step
	run := m.Consume(event("e3", 130, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "ls",
	})))
	step, _ := run.Step("i1")
	assert.Equal(t, StepFailed, step.Status)
	assert.Equal(t, KindCommandExecution, step.Kind)
	assert.Equal(t, int64(100), step.TsStart)
}

func TestPlanHistoryNeverLosesVersions(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "turn/plan/updated", "t1", "u1", map[string]interface{}{
		"explanation": "first",
		"plan": []interface{}{
			map[string]interface{}{"step": "read code", "status": "pending"},
		},
	}))
	run := m.Consume(event("e2", 200, "turn/plan/updated", "t1", "u1", map[string]interface{}{
		"explanation": "second",
		"plan": []interface{}{
			map[string]interface{}{"step": "read code", "status": "completed"},
			map[string]interface{}{"step": "write fix", "status": "pending"},
		},
	}))
	require.NotNil(t, run)
	require.NotNil(t, run.Plan)
	assert.Equal(t, "second", run.Plan.Explanation)
	assert.Len(t, run.Plan.Steps, 2)
	require.Len(t, run.Plan.History, 1)
	assert.Equal(t, "first", run.Plan.History[0].Explanation)
}

func TestDiffAndTokenUsage(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 100, "turn/diff/updated", "t1", "u1", map[string]interface{}{
		"diff": "+line",
	}))
	require.NotNil(t, run.Diff)
	assert.Equal(t, "+line", run.Diff.Diff)

	run = m.Consume(event("e2", 110, "thread/tokenUsage/updated", "t1", "", map[string]interface{}{
		"inputTokens": float64(100), "outputTokens": float64(20), "totalTokens": float64(120),
	}))
	require.NotNil(t, run.TokenUsage)
	assert.Equal(t, int64(100), *run.TokenUsage.InputTokens)
	assert.Equal(t, int64(120), *run.TokenUsage.TotalTokens)
}

func TestApprovalRequestAttachesToStep(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "rm -rf /",
	})))
	run := m.Consume(event("e2", 110, "item/commandExecution/requestApproval", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "command": "rm -rf /", "approvalId": "ap-1", "reasoning": "destructive",
	}))
	require.NotNil(t, run)

	step, _ := run.Step("i1")
	require.NotNil(t, step.Approval)
	assert.Equal(t, "ap-1", step.Approval.ApprovalID)
	assert.Equal(t, ApprovalPending, step.Approval.Status)
	assert.Equal(t, "destructive", step.Approval.Reason)
	assert.Equal(t, StepPending, step.Status)
}

func TestUnknownEventTypeOnlyLandsInRawLog(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "thread/started", "t1", "", nil))
	run := m.Consume(event("e2", 110, "account/updated", "t1", "", nil))
	assert.Nil(t, run)
	assert.Len(t, m.RawLog(), 2)
}

func TestApprovalResolutionAccepted(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "rm -rf /",
	})))
	m.Consume(event("e2", 110, "item/commandExecution/requestApproval", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1",
	}))
	run := m.Consume(event("e3", 120, EventApprovalResolved, "t1", "", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1", "status": "accepted", "decision": "accept",
	}))
	require.NotNil(t, run)

	step, _ := run.Step("i1")
	assert.Equal(t, ApprovalAccepted, step.Approval.Status)
	assert.Equal(t, StepInProgress, step.Status, "accepted commands run on")
}

func TestApprovalResolutionDeclined(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/commandExecution/requestApproval", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1",
	}))
	run := m.Consume(event("e2", 120, EventApprovalResolved, "t1", "", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1", "status": "declined", "decision": "decline",
	}))
	require.NotNil(t, run)

	step, _ := run.Step("i1")
	assert.Equal(t, ApprovalDeclined, step.Approval.Status)
	assert.Equal(t, StepDeclined, step.Status)
	assert.Equal(t, int64(120), step.TsEnd)
}

func TestApprovalResolutionTimeoutFollowsDefaultAction(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "item/commandExecution/requestApproval", "t1", "u1", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1",
	}))
	run := m.Consume(event("e2", 120, EventApprovalResolved, "t1", "", map[string]interface{}{
		"itemId": "i1", "approvalId": "ap-1", "status": "timeout", "decision": "decline",
	}))
	require.NotNil(t, run)

	step, _ := run.Step("i1")
	assert.Equal(t, ApprovalTimeout, step.Approval.Status)
	assert.Equal(t, StepDeclined, step.Status)
}

func TestApprovalResolutionUnknownItemIgnored(t *testing.T) {
	m := NewMapper()
	m.Consume(event("e1", 100, "thread/started", "t1", "", nil))
	run := m.Consume(event("e2", 120, EventApprovalResolved, "t1", "", map[string]interface{}{
		"itemId": "missing", "approvalId": "ap-1", "status": "declined", "decision": "decline",
	}))
	assert.Nil(t, run, "resolutions without a matching approval touch nothing")
}

func TestErrorNotificationSynthesizesSystemNote(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 100, "error", "t1", "u1", map[string]interface{}{
		"message": "model overloaded",
	}))
	require.NotNil(t, run)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, KindSystemNote, run.Steps[0].Kind)
	assert.Equal(t, "model overloaded", run.Steps[0].Meta["message"])
	assert.Equal(t, StepCompleted, run.Steps[0].Status)
}

func TestUnknownItemTypeMapsToSystemNote(t *testing.T) {
	m := NewMapper()
	run := m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "somethingNew",
	})))
	step, _ := run.Step("i1")
	assert.Equal(t, KindSystemNote, step.Kind)
}

func TestThreadIDExtractionFromPayloadShapes(t *testing.T) {
	assert.Equal(t, "t1", ExtractThreadID(map[string]interface{}{"threadId": "t1"}))
	assert.Equal(t, "t2", ExtractThreadID(map[string]interface{}{"turn": map[string]interface{}{"threadId": "t2"}}))
	assert.Equal(t, "t3", ExtractThreadID(map[string]interface{}{"thread": map[string]interface{}{"id": "t3"}}))
	assert.Equal(t, "", ExtractThreadID(nil))

	assert.Equal(t, "u1", ExtractTurnID(map[string]interface{}{"turnId": "u1"}))
	assert.Equal(t, "u2", ExtractTurnID(map[string]interface{}{"turn": map[string]interface{}{"id": "u2"}}))
}

// Feeding the same sequence to a fresh mapper twice yields byte-identical
// snapshots.
func TestDeterminism(t *testing.T) {
	sequence := []RawEvent{
		event("e1", 100, "thread/started", "t1", "", nil),
		event("e2", 110, "turn/started", "t1", "u1", nil),
		event("e3", 120, "item/started", "t1", "u1", item(map[string]interface{}{
			"id": "i1", "type": "reasoning",
		})),
		event("e4", 130, "item/started", "t1", "u1", item(map[string]interface{}{
			"id": "i2", "type": "commandExecution", "command": "ls", "cwd": "/",
		})),
		event("e5", 140, "item/commandExecution/outputDelta", "t1", "u1", map[string]interface{}{
			"itemId": "i2", "delta": "ok",
		}),
		event("e6", 150, "item/completed", "t1", "u1", item(map[string]interface{}{
			"id": "i2", "type": "commandExecution", "status": "completed", "aggregatedOutput": "ok",
		})),
		event("e7", 160, "turn/completed", "t1", "u1", nil),
	}

	snapshot := func() []byte {
		m := NewMapper()
		var last *RunView
		for _, ev := range sequence {
			if run := m.Consume(ev); run != nil {
				last = run
			}
		}
		data, err := json.Marshal(last)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(snapshot()), string(snapshot()))
}

// Replaying a terminal item/completed yields the same run view.
func TestIdempotentItemCompleted(t *testing.T) {
	completed := event("e2", 120, "item/completed", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "status": "completed", "aggregatedOutput": "ok",
	}))

	m := NewMapper()
	m.Consume(event("e1", 100, "item/started", "t1", "u1", item(map[string]interface{}{
		"id": "i1", "type": "commandExecution", "command": "ls",
	})))
	first := m.Consume(completed)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	firstSteps := len(first.Steps)

	second := m.Consume(completed)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, firstSteps, len(second.Steps))
	assert.Equal(t, string(firstJSON), string(secondJSON))
	step, _ := second.Step("i1")
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, int64(120), step.TsEnd)
}
