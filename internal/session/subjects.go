package session

import "fmt"

// Registry-level event kinds published on the bus, one subject per session:
// codex.session.<sessionId>.<kind>.
const (
	KindEvent    = "event"
	KindIRUpdate = "ir"
	KindApproval = "approval"
	KindError    = "error"
	KindExit     = "exit"
)

// Subject builds the bus subject for one session and event kind.
func Subject(sessionID, kind string) string {
	return fmt.Sprintf("codex.session.%s.%s", sessionID, kind)
}

// SubjectAll matches every event of one session.
func SubjectAll(sessionID string) string {
	return fmt.Sprintf("codex.session.%s.*", sessionID)
}

// SubjectAny matches every session event on the bus.
func SubjectAny() string {
	return "codex.session.>"
}
