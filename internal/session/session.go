// Package session maintains the per-user binding of client traffic to a
// dedicated agent supervisor and workspace: at most one live session per
// user, event re-broadcast over the bus, and idle reaping.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cloud-codex/cloud-codex/internal/supervisor"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateClosed       State = "closed"
)

// AgentSupervisor is the surface the registry needs from a supervisor.
// The concrete implementation is supervisor.Supervisor; tests substitute
// fakes through the factory.
type AgentSupervisor interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context) error
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Notify(method string, params interface{}) error
	Stop() error
	ResolveApproval(threadID, itemID, approvalID, status, decision string)
	RunSnapshot(threadID string) (json.RawMessage, bool)
	RunSnapshots() []json.RawMessage
}

// SupervisorFactory builds the supervisor for a new session.
type SupervisorFactory func(workingDir string, taps supervisor.Taps) AgentSupervisor

// Session binds a user to one agent supervisor and workspace. The session
// exclusively owns its supervisor; the registry owns the session.
type Session struct {
	ID               string
	UserID           string
	CreatedAt        time.Time
	WorkingDirectory string
	Supervisor       AgentSupervisor

	mu           sync.RWMutex
	state        State
	lastActiveAt time.Time
}

// NewSession creates a session in the initializing state.
func NewSession(id, userID, workingDir string, sup AgentSupervisor) *Session {
	return &Session{
		ID:               id,
		UserID:           userID,
		CreatedAt:        time.Now(),
		WorkingDirectory: workingDir,
		Supervisor:       sup,
		state:            StateInitializing,
		lastActiveAt:     time.Now(),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActiveAt returns the last activity timestamp.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Touch refreshes the last activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// SetBusy marks the session busy (a turn in flight) or ready. Closed
// sessions stay closed.
func (s *Session) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if busy {
		s.state = StateBusy
	} else {
		s.state = StateReady
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
