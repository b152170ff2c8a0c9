package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/approval"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/events/bus"
	"github.com/cloud-codex/cloud-codex/internal/ir"
	"github.com/cloud-codex/cloud-codex/internal/supervisor"
	"github.com/cloud-codex/cloud-codex/pkg/codex"
)

// Config holds the registry configuration.
type Config struct {
	WorkspaceRoot string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Registry maintains at most one live session per user and re-broadcasts
// supervisor events on the bus, tagged with session and user ids.
type Registry struct {
	cfg     Config
	factory SupervisorFactory
	broker  *approval.Broker
	bus     bus.EventBus
	logger  *logger.Logger

	byUser map[string]*Session
	byID   map[string]*Session
	mu     sync.Mutex

	// per-user creation locks keep concurrent getOrCreate race-free;
	// entries are reference-counted and dropped once unused
	userLocks map[string]*userLock
	lockMu    sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config, factory SupervisorFactory, broker *approval.Broker, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Registry{
		cfg:       cfg,
		factory:   factory,
		broker:    broker,
		bus:       eventBus,
		logger:    log.Named("session-registry"),
		byUser:    make(map[string]*Session),
		byID:      make(map[string]*Session),
		userLocks: make(map[string]*userLock),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the idle sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and destroys every session.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	for _, sess := range r.Sessions() {
		if err := r.Destroy(sess.ID); err != nil {
			r.logger.Warn("failed to destroy session on shutdown",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}
}

// GetOrCreate returns the user's live session, creating one when absent.
// Creation spawns the agent in <workspaceRoot>/<userId> and completes the
// initialize handshake before the session becomes visible; on any failure
// no registry entry is retained and the error propagates.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	lock := r.lockUser(userID)
	defer r.unlockUser(userID, lock)

	r.mu.Lock()
	existing, ok := r.byUser[userID]
	r.mu.Unlock()
	if ok && existing.State() != StateClosed {
		return existing, nil
	}

	workingDir := filepath.Join(r.cfg.WorkspaceRoot, userID)
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %q: %w", workingDir, err)
	}

	sess := NewSession(uuid.New().String(), userID, workingDir, nil)
	sup := r.factory(workingDir, r.tapsFor(sess))
	sess.Supervisor = sup

	if err := sup.Start(ctx); err != nil {
		sess.setState(StateClosed)
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	if err := sup.Initialize(ctx); err != nil {
		sess.setState(StateClosed)
		_ = sup.Stop()
		return nil, fmt.Errorf("agent handshake failed: %w", err)
	}

	sess.setState(StateReady)

	r.mu.Lock()
	r.byUser[userID] = sess
	r.byID[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.String("working_dir", workingDir))
	return sess, nil
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// GetByUser returns the user's live session, if any.
func (r *Registry) GetByUser(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byUser[userID]
	if !ok || sess.State() == StateClosed {
		return nil, false
	}
	return sess, true
}

// Sessions returns all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, sess)
	}
	return out
}

// Destroy stops the session's supervisor, fails its pending approvals,
// removes its workspace (best-effort), and drops the registry entries.
func (r *Registry) Destroy(sessionID string) error {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if current, found := r.byUser[sess.UserID]; found && current == sess {
			delete(r.byUser, sess.UserID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	sess.setState(StateClosed)
	if err := sess.Supervisor.Stop(); err != nil {
		r.logger.Warn("failed to stop supervisor",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	r.broker.FailSession(sessionID)

	if err := os.RemoveAll(sess.WorkingDirectory); err != nil {
		r.logger.Warn("failed to remove workspace",
			zap.String("working_dir", sess.WorkingDirectory),
			zap.Error(err))
	}

	r.logger.Info("session destroyed",
		zap.String("session_id", sessionID),
		zap.String("user_id", sess.UserID))
	return nil
}

// tapsFor wires a session's supervisor taps: touch activity, re-broadcast
// on the bus tagged with {sessionId, userId}, route approvals to the broker.
func (r *Registry) tapsFor(sess *Session) supervisor.Taps {
	return supervisor.Taps{
		OnEvent: func(ev ir.RawEvent) {
			sess.Touch()
			if ev.Type == codex.NotifyTurnCompleted {
				sess.SetBusy(false)
			}
			r.publish(sess, KindEvent, "session-event", map[string]interface{}{
				"eventId":  ev.ID,
				"ts":       ev.Ts,
				"threadId": ev.ThreadID,
				"turnId":   ev.TurnID,
				"method":   ev.Type,
				"params":   ev.Payload,
			})
		},
		OnRunUpdate: func(threadID string, snapshot json.RawMessage) {
			sess.Touch()
			r.publish(sess, KindIRUpdate, "ir-update", map[string]interface{}{
				"threadId": threadID,
				"run":      snapshot,
			})
		},
		OnProcessError: func(pe supervisor.ProcessError) {
			sess.Touch()
			r.publish(sess, KindError, "session-error", map[string]interface{}{
				"summary":  pe.Summary,
				"details":  pe.Details,
				"source":   pe.Source,
				"ts":       pe.Ts,
				"threadId": pe.ThreadID,
				"turnId":   pe.TurnID,
			})
		},
		OnApprovalRequest: func(call supervisor.ApprovalCall) (string, bool) {
			sess.Touch()
			approvalID, _ := r.broker.HandleRequest(&approval.Request{
				SessionID: sess.ID,
				UserID:    sess.UserID,
				ThreadID:  call.ThreadID,
				TurnID:    call.TurnID,
				ItemID:    call.ItemID,
				Method:    call.Method,
				RPCID:     call.RPCID,
				Params:    call.Params,
				Respond:   call.Respond,
				Resolved: func(approvalID, status, decision string) {
					sess.Supervisor.ResolveApproval(call.ThreadID, call.ItemID, approvalID, status, decision)
				},
			})
			return approvalID, true
		},
		OnExit: func(exitCode int, err error) {
			r.logger.Info("agent exited",
				zap.String("session_id", sess.ID),
				zap.Int("exit_code", exitCode),
				zap.Error(err))
			sess.setState(StateClosed)
			r.broker.FailSession(sess.ID)
			r.publish(sess, KindExit, "exit", map[string]interface{}{
				"method":   "session/exit",
				"exitCode": exitCode,
			})
		},
	}
}

func (r *Registry) publish(sess *Session, kind, eventType string, data map[string]interface{}) {
	data["sessionId"] = sess.ID
	data["userId"] = sess.UserID
	ev := bus.NewEvent(eventType, "session-registry", data)
	if err := r.bus.Publish(context.Background(), Subject(sess.ID, kind), ev); err != nil {
		r.logger.Warn("failed to publish session event",
			zap.String("session_id", sess.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// userLock serializes session creation per user. refs counts holders and
// waiters so an entry can be dropped the moment nobody needs it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Registry) lockUser(userID string) *userLock {
	r.lockMu.Lock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &userLock{}
		r.userLocks[userID] = lock
	}
	lock.refs++
	r.lockMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (r *Registry) unlockUser(userID string, lock *userLock) {
	lock.mu.Unlock()

	r.lockMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.userLocks, userID)
	}
	r.lockMu.Unlock()
}

// sweepLoop periodically destroys idle, non-busy sessions.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	for _, sess := range r.Sessions() {
		if sess.State() == StateBusy {
			continue
		}
		if sess.LastActiveAt().After(cutoff) {
			continue
		}
		r.logger.Info("reaping idle session",
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.Time("last_active", sess.LastActiveAt()))
		if err := r.Destroy(sess.ID); err != nil {
			r.logger.Warn("idle sweep destroy failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}
}
