package approval

import (
	"context"
	"sync"
	"time"
)

// AuditRecord is one append-only entry of the approval audit trail.
type AuditRecord struct {
	Timestamp    time.Time   `json:"timestamp"`
	UserID       string      `json:"userId"`
	SessionID    string      `json:"sessionId"`
	ThreadID     string      `json:"threadId,omitempty"`
	TurnID       string      `json:"turnId,omitempty"`
	Action       string      `json:"action"` // command_execution, file_change, unknown
	Command      string      `json:"command,omitempty"`
	Changes      interface{} `json:"changes,omitempty"`
	Decision     string      `json:"decision"`
	Approver     string      `json:"approver"`
	Reason       string      `json:"reason,omitempty"`
	AutoApproved bool        `json:"autoApproved"`
}

// Auditor records approval outcomes and answers per-user queries.
// Persistence beyond the process is delegated to the configured sink.
type Auditor interface {
	Record(ctx context.Context, rec *AuditRecord) error
	QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditRecord, error)
	Close()
}

// MemoryAuditor is the default in-process audit sink.
type MemoryAuditor struct {
	byUser     map[string][]*AuditRecord
	mu         sync.RWMutex
	maxPerUser int
}

// NewMemoryAuditor creates an in-memory auditor keeping at most maxPerUser
// records per user (1000 when zero or negative).
func NewMemoryAuditor(maxPerUser int) *MemoryAuditor {
	if maxPerUser <= 0 {
		maxPerUser = 1000
	}
	return &MemoryAuditor{
		byUser:     make(map[string][]*AuditRecord),
		maxPerUser: maxPerUser,
	}
}

// Record appends an audit record.
func (a *MemoryAuditor) Record(ctx context.Context, rec *AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := append(a.byUser[rec.UserID], rec)
	if len(records) > a.maxPerUser {
		records = records[len(records)-a.maxPerUser:]
	}
	a.byUser[rec.UserID] = records
	return nil
}

// QueryByUser returns the most recent records for a user, oldest first.
func (a *MemoryAuditor) QueryByUser(ctx context.Context, userID string, limit int) ([]*AuditRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	records := a.byUser[userID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]*AuditRecord, len(records))
	copy(out, records)
	return out, nil
}

// Close is a no-op for the memory sink.
func (a *MemoryAuditor) Close() {}
