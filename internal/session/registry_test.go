package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloud-codex/cloud-codex/internal/approval"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/events/bus"
	"github.com/cloud-codex/cloud-codex/internal/ir"
	"github.com/cloud-codex/cloud-codex/internal/supervisor"
	"github.com/cloud-codex/cloud-codex/pkg/codex"
)

func irEvent(threadID, eventType string) ir.RawEvent {
	return ir.RawEvent{
		ID:       "e1",
		Ts:       time.Now().UnixMilli(),
		ThreadID: threadID,
		Type:     eventType,
		Payload:  map[string]interface{}{},
	}
}

// fakeSupervisor implements AgentSupervisor without spawning a process.
type fakeSupervisor struct {
	mu          sync.Mutex
	started     bool
	stopped     bool
	startErr    error
	initErr     error
	taps        supervisor.Taps
	resolved    []string
	callResults map[string]json.RawMessage
}

func (f *fakeSupervisor) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSupervisor) Initialize(ctx context.Context) error {
	return f.initErr
}

func (f *fakeSupervisor) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.callResults[method]; ok {
		return result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeSupervisor) Notify(method string, params interface{}) error { return nil }

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSupervisor) RunSnapshot(threadID string) (json.RawMessage, bool) { return nil, false }
func (f *fakeSupervisor) RunSnapshots() []json.RawMessage                     { return nil }

func (f *fakeSupervisor) ResolveApproval(threadID, itemID, approvalID, status, decision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, status+"/"+decision)
}

type registryHarness struct {
	registry    *Registry
	broker      *approval.Broker
	bus         *bus.MemoryEventBus
	supervisors []*fakeSupervisor
	mu          sync.Mutex
}

func newHarness(t *testing.T, cfg Config, startErr, initErr error) *registryHarness {
	t.Helper()
	log := logger.Nop()
	memBus := bus.NewMemoryEventBus(log)
	broker := approval.NewBroker(approval.Config{
		Timeout:       time.Minute,
		DefaultAction: approval.DecisionDecline,
	}, approval.NewMemoryAuditor(0), nil, log)

	h := &registryHarness{broker: broker, bus: memBus}
	factory := func(workingDir string, taps supervisor.Taps) AgentSupervisor {
		f := &fakeSupervisor{startErr: startErr, initErr: initErr, taps: taps}
		h.mu.Lock()
		h.supervisors = append(h.supervisors, f)
		h.mu.Unlock()
		return f
	}

	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	h.registry = NewRegistry(cfg, factory, broker, memBus, log)
	return h
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	first, err := h.registry.GetOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	second, err := h.registry.GetOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected one session per user, got %q and %q", first.ID, second.ID)
	}
	if first.State() != StateReady {
		t.Errorf("expected ready state, got %q", first.State())
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.registry.GetOrCreate(context.Background(), "alice")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent GetOrCreate returned different sessions: %q vs %q", ids[0], ids[i])
		}
	}
}

func TestGetOrCreateCreatesWorkspace(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Config{WorkspaceRoot: root}, nil, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	want := filepath.Join(root, "bob")
	if sess.WorkingDirectory != want {
		t.Errorf("expected workspace %q, got %q", want, sess.WorkingDirectory)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("workspace directory not created: %v", err)
	}
}

func TestHandshakeFailureRetainsNoEntry(t *testing.T) {
	h := newHarness(t, Config{}, nil, errors.New("initialize failed"))

	if _, err := h.registry.GetOrCreate(context.Background(), "carol"); err == nil {
		t.Fatal("expected handshake error")
	}
	if _, ok := h.registry.GetByUser("carol"); ok {
		t.Error("failed session must not be registered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.supervisors) != 1 || !h.supervisors[0].stopped {
		t.Error("supervisor must be stopped after handshake failure")
	}
}

func TestSpawnFailureRetainsNoEntry(t *testing.T) {
	h := newHarness(t, Config{}, errors.New("spawn failed"), nil)

	if _, err := h.registry.GetOrCreate(context.Background(), "dave"); err == nil {
		t.Fatal("expected spawn error")
	}
	if len(h.registry.Sessions()) != 0 {
		t.Error("failed session must not be registered")
	}
}

func TestDestroyStopsSupervisorAndRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Config{WorkspaceRoot: root}, nil, nil)

	sess, err := h.registry.GetOrCreate(context.Background(), "erin")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if err := h.registry.Destroy(sess.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("expected closed state, got %q", sess.State())
	}
	if _, err := os.Stat(sess.WorkingDirectory); !os.IsNotExist(err) {
		t.Error("workspace must be removed on destroy")
	}
	if _, ok := h.registry.Get(sess.ID); ok {
		t.Error("destroyed session must leave the registry")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.supervisors[0].stopped {
		t.Error("supervisor must be stopped on destroy")
	}
}

func TestDestroyedUserCanReconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	first, _ := h.registry.GetOrCreate(context.Background(), "frank")
	_ = h.registry.Destroy(first.ID)

	second, err := h.registry.GetOrCreate(context.Background(), "frank")
	if err != nil {
		t.Fatalf("GetOrCreate after destroy failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh session after destroy")
	}
}

func TestIdleSweepSkipsBusySessions(t *testing.T) {
	h := newHarness(t, Config{
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: time.Hour, // sweep manually
	}, nil, nil)

	idle, _ := h.registry.GetOrCreate(context.Background(), "idle-user")
	busy, _ := h.registry.GetOrCreate(context.Background(), "busy-user")
	busy.SetBusy(true)

	time.Sleep(20 * time.Millisecond)
	h.registry.sweep()

	if _, ok := h.registry.Get(idle.ID); ok {
		t.Error("idle session must be reaped")
	}
	if _, ok := h.registry.Get(busy.ID); !ok {
		t.Error("busy session must survive the sweep")
	}
}

func TestTapEventsRefreshActivity(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	sess, _ := h.registry.GetOrCreate(context.Background(), "gina")
	before := sess.LastActiveAt()

	time.Sleep(5 * time.Millisecond)
	h.mu.Lock()
	taps := h.supervisors[0].taps
	h.mu.Unlock()
	taps.OnEvent(irEvent("t1", "turn/started"))

	if !sess.LastActiveAt().After(before) {
		t.Error("tapped events must refresh lastActiveAt")
	}
}

// Broker resolutions flow back into the session's supervisor so the run
// view reflects the settled approval.
func TestApprovalResolutionReachesSupervisor(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	sess, _ := h.registry.GetOrCreate(context.Background(), "iris")
	h.mu.Lock()
	fake := h.supervisors[0]
	taps := fake.taps
	h.mu.Unlock()

	params, _ := json.Marshal(map[string]string{
		"threadId": "t1", "turnId": "u1", "itemId": "i1",
		"command": "rm -rf /", "cwd": sess.WorkingDirectory,
	})
	approvalID, handled := taps.OnApprovalRequest(supervisor.ApprovalCall{
		RPCID:    7,
		Method:   "item/commandExecution/requestApproval",
		Params:   params,
		ThreadID: "t1",
		TurnID:   "u1",
		ItemID:   "i1",
		Respond:  func(result interface{}, rpcErr *codex.Error) error { return nil },
	})
	if !handled || approvalID == "" {
		t.Fatalf("expected a pending approval, got id=%q handled=%v", approvalID, handled)
	}

	if err := h.broker.Resolve(sess.ID, approvalID, "decline", nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.resolved) != 1 || fake.resolved[0] != "declined/decline" {
		t.Errorf("expected declined/decline resolution, got %v", fake.resolved)
	}
}

func TestTurnCompletedClearsBusy(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	sess, _ := h.registry.GetOrCreate(context.Background(), "hank")
	sess.SetBusy(true)

	h.mu.Lock()
	taps := h.supervisors[0].taps
	h.mu.Unlock()
	taps.OnEvent(irEvent("t1", "turn/completed"))

	if sess.State() != StateReady {
		t.Errorf("expected ready after turn/completed, got %q", sess.State())
	}
}
