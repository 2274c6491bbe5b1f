package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// fakeDriver implements sandbox.Driver in memory.
type fakeDriver struct {
	mu           sync.Mutex
	boxes        map[uuid.UUID]bool
	provisionErr error
	execFn       func(req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	healthErr    error
	destroyed    []uuid.UUID
}

var _ sandbox.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{boxes: make(map[uuid.UUID]bool)}
}

func (d *fakeDriver) Provision(_ context.Context, sessionID uuid.UUID, _ string) (*console.Sandbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.provisionErr != nil {
		return nil, d.provisionErr
	}
	sb := &console.Sandbox{
		ID:        uuid.New(),
		SessionID: sessionID,
		Handle:    "fake-" + sessionID.String()[:8],
		Status:    console.SandboxRunning,
		CreatedAt: time.Now().UTC(),
	}
	d.boxes[sb.ID] = true
	return sb, nil
}

func (d *fakeDriver) Exec(_ context.Context, sandboxID uuid.UUID, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	d.mu.Lock()
	known := d.boxes[sandboxID]
	fn := d.execFn
	d.mu.Unlock()
	if !known {
		return nil, sandbox.ErrUnknownSandbox
	}
	if fn != nil {
		return fn(req)
	}
	return &sandbox.ExecResult{Stdout: "ok\n", ExitCode: 0}, nil
}

func (d *fakeDriver) Destroy(_ context.Context, sandboxID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.boxes, sandboxID)
	d.destroyed = append(d.destroyed, sandboxID)
	return nil
}

func (d *fakeDriver) Health(_ context.Context, sandboxID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.boxes[sandboxID] {
		return sandbox.ErrUnknownSandbox
	}
	return d.healthErr
}

// fakeRecorder captures appended and finalized command records.
type fakeRecorder struct {
	mu        sync.Mutex
	appended  []console.Command
	finalized []console.Command
}

func (r *fakeRecorder) Append(_ context.Context, cmd *console.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, *cmd)
	return nil
}

func (r *fakeRecorder) Finalize(_ context.Context, cmd *console.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, *cmd)
	return nil
}

type orchestratorFixture struct {
	orch      *Orchestrator
	driver    *fakeDriver
	recorder  *fakeRecorder
	sessions  *fakeSessionStore
	sandboxes *fakeSandboxStore
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	sessions := newFakeSessionStore()
	sandboxes := newFakeSandboxStore()
	logger := testLogger()
	reg := NewRegistry(sessions, sandboxes, logger)
	driver := newFakeDriver()
	exec := executor.New(driver, executor.Config{DefaultTimeout: time.Second, MaxTimeout: 5 * time.Second}, logger)
	recorder := &fakeRecorder{}
	orch := NewOrchestrator(reg, driver, exec, recorder, Config{IdleTimeout: time.Hour}, nil, nil, logger)
	return &orchestratorFixture{orch: orch, driver: driver, recorder: recorder, sessions: sessions, sandboxes: sandboxes}
}

func (f *orchestratorFixture) createSession(t *testing.T, ownerID string) *console.Session {
	t.Helper()
	sess, err := f.orch.CreateSession(context.Background(), ownerID, console.SessionInteractive, console.SessionMetadata{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestOrchestrator_CreateSession(t *testing.T) {
	f := newOrchestratorFixture(t)

	sess := f.createSession(t, "alice")
	if sess.Status != console.StatusActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	if sess.SandboxID == nil {
		t.Fatal("SandboxID not set")
	}
	if stored := f.sessions.stored(t, sess.ID); stored.Status != console.StatusActive {
		t.Errorf("stored status = %s, want active", stored.Status)
	}
}

func TestOrchestrator_CreateSessionValidation(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	if _, err := f.orch.CreateSession(ctx, "", console.SessionInteractive, console.SessionMetadata{}); !errors.Is(err, console.ErrInvalidInput) {
		t.Errorf("empty owner: err = %v", err)
	}
	if _, err := f.orch.CreateSession(ctx, "alice", "bogus", console.SessionMetadata{}); !errors.Is(err, console.ErrInvalidInput) {
		t.Errorf("bad type: err = %v", err)
	}
}

func TestOrchestrator_CreateSessionProvisionFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.driver.provisionErr = &console.ProvisionError{
		Reason: console.ReasonCapacity,
		Err:    fmt.Errorf("no capacity"),
	}

	_, err := f.orch.CreateSession(context.Background(), "alice", console.SessionInteractive, console.SessionMetadata{})
	var pErr *console.ProvisionError
	if !errors.As(err, &pErr) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
	if pErr.Reason != console.ReasonCapacity {
		t.Errorf("reason = %s, want capacity", pErr.Reason)
	}

	// The session record is kept, terminated, for auditing.
	live, err := f.sessions.ListLive(context.Background())
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("%d live sessions after failed provisioning, want 0", len(live))
	}
	if f.orch.registry.Len() != 0 {
		t.Errorf("registry still tracks %d sessions", f.orch.registry.Len())
	}
}

func TestOrchestrator_DispatchCommand(t *testing.T) {
	f := newOrchestratorFixture(t)
	sess := f.createSession(t, "alice")

	cmd, err := f.orch.DispatchCommand(context.Background(), "alice", sess.ID, DispatchRequest{Text: "echo hello"})
	if err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}
	if cmd.Status != console.CommandCompleted {
		t.Errorf("status = %s, want completed", cmd.Status)
	}
	if cmd.Type != console.CommandBuiltin {
		t.Errorf("type = %s, want builtin", cmd.Type)
	}
	if cmd.Output == nil || cmd.Output.Stdout != "ok\n" {
		t.Errorf("output = %+v", cmd.Output)
	}
	if len(f.recorder.appended) != 1 || len(f.recorder.finalized) != 1 {
		t.Errorf("recorder calls: %d appended, %d finalized", len(f.recorder.appended), len(f.recorder.finalized))
	}

	got, err := f.orch.GetSession(context.Background(), "alice", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CommandCount != 1 || got.ErrorCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", got.CommandCount, got.ErrorCount)
	}
}

func TestOrchestrator_DispatchFailedCommandCountsError(t *testing.T) {
	f := newOrchestratorFixture(t)
	sess := f.createSession(t, "alice")
	f.driver.execFn = func(sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		return nil, fmt.Errorf("exec blew up")
	}

	cmd, err := f.orch.DispatchCommand(context.Background(), "alice", sess.ID, DispatchRequest{Text: "ls"})
	if err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}
	if cmd.Status != console.CommandFailed {
		t.Errorf("status = %s, want failed", cmd.Status)
	}

	got, _ := f.orch.GetSession(context.Background(), "alice", sess.ID)
	if got.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", got.ErrorCount)
	}
	if got.Status != console.StatusActive {
		t.Errorf("session status = %s, want active after command failure", got.Status)
	}
}

func TestOrchestrator_DispatchStatusGates(t *testing.T) {
	tests := []struct {
		status  console.SessionStatus
		wantErr error
	}{
		{console.StatusInitializing, console.ErrSessionNotReady},
		{console.StatusPaused, console.ErrSessionPaused},
		{console.StatusDisconnected, console.ErrSessionDisconnected},
		{console.StatusError, console.ErrSessionNotActive},
		{console.StatusTerminated, console.ErrSessionNotActive},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			f := newOrchestratorFixture(t)
			sess := newTestSession("alice", tc.status)
			if err := f.orch.registry.Add(context.Background(), sess); err != nil {
				t.Fatalf("Add: %v", err)
			}

			_, err := f.orch.DispatchCommand(context.Background(), "alice", sess.ID, DispatchRequest{Text: "ls"})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestOrchestrator_DispatchOwnershipHidesForeignSessions(t *testing.T) {
	f := newOrchestratorFixture(t)
	sess := f.createSession(t, "alice")

	_, err := f.orch.DispatchCommand(context.Background(), "mallory", sess.ID, DispatchRequest{Text: "ls"})
	if !errors.Is(err, console.ErrNotFound) {
		t.Errorf("foreign dispatch err = %v, want not-found", err)
	}
}

func TestOrchestrator_SandboxLostTearsSessionDown(t *testing.T) {
	f := newOrchestratorFixture(t)
	sess := f.createSession(t, "alice")
	f.driver.execFn = func(sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		return nil, fmt.Errorf("container gone: %w", sandbox.ErrUnreachable)
	}

	cmd, err := f.orch.DispatchCommand(context.Background(), "alice", sess.ID, DispatchRequest{Text: "ls"})
	if err != nil {
		t.Fatalf("DispatchCommand: %v", err)
	}
	if cmd.Status != console.CommandFailed {
		t.Errorf("command status = %s, want failed", cmd.Status)
	}

	got, err := f.orch.GetSession(context.Background(), "alice", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != console.StatusTerminated {
		t.Errorf("session status = %s, want terminated", got.Status)
	}
	if got.EndReason != EndReasonSandboxLost {
		t.Errorf("end reason = %s, want %s", got.EndReason, EndReasonSandboxLost)
	}
}

func TestOrchestrator_PauseResume(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alice")

	if err := f.orch.Pause(ctx, "alice", sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := f.orch.Pause(ctx, "alice", sess.ID); err != nil {
		t.Errorf("second Pause: %v", err)
	}

	if _, err := f.orch.DispatchCommand(ctx, "alice", sess.ID, DispatchRequest{Text: "ls"}); !errors.Is(err, console.ErrSessionPaused) {
		t.Errorf("dispatch while paused: %v", err)
	}
	if sb, err := f.sandboxes.Get(ctx, *sess.SandboxID); err != nil || sb.Status != console.SandboxStopped {
		t.Errorf("sandbox while paused = %+v (%v), want stopped", sb, err)
	}

	if err := f.orch.Resume(ctx, "alice", sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if sb, err := f.sandboxes.Get(ctx, *sess.SandboxID); err != nil || sb.Status != console.SandboxRunning {
		t.Errorf("sandbox after resume = %+v (%v), want running", sb, err)
	}
	if _, err := f.orch.DispatchCommand(ctx, "alice", sess.ID, DispatchRequest{Text: "ls"}); err != nil {
		t.Errorf("dispatch after resume: %v", err)
	}
}

func TestOrchestrator_DisconnectAndReconnect(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alice")

	if err := f.orch.Disconnect(ctx, "alice", sess.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := f.orch.DispatchCommand(ctx, "alice", sess.ID, DispatchRequest{Text: "ls"}); !errors.Is(err, console.ErrSessionDisconnected) {
		t.Errorf("dispatch while disconnected: %v", err)
	}

	// Reconnecting resumes the same session and sandbox.
	if err := f.orch.Resume(ctx, "alice", sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ := f.orch.GetSession(ctx, "alice", sess.ID)
	if got.SandboxID == nil || *got.SandboxID != *sess.SandboxID {
		t.Errorf("sandbox changed across reconnect")
	}
}

func TestOrchestrator_TerminateIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alice")

	if err := f.orch.Terminate(ctx, "alice", sess.ID, ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := f.orch.Terminate(ctx, "alice", sess.ID, ""); err != nil {
		t.Errorf("second Terminate: %v", err)
	}

	got, err := f.orch.GetSession(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != console.StatusTerminated || got.EndReason != EndReasonUser {
		t.Errorf("status/reason = %s/%s", got.Status, got.EndReason)
	}
	if len(f.driver.destroyed) != 1 {
		t.Errorf("sandbox destroyed %d times, want 1", len(f.driver.destroyed))
	}
}

func TestOrchestrator_ListActiveSessions(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	a := f.createSession(t, "alice")
	f.createSession(t, "alice")
	f.createSession(t, "bob")

	if err := f.orch.Terminate(ctx, "alice", a.ID, ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	got := f.orch.ListActiveSessions(ctx, "alice")
	if len(got) != 1 {
		t.Errorf("got %d sessions, want 1", len(got))
	}
}

func TestOrchestrator_SessionHistoryPaginates(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.createSession(t, "alice")
	}

	page, total, err := f.orch.SessionHistory(ctx, "alice", 2, 0)
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Errorf("total = %d, page = %d; want 3, 2", total, len(page))
	}
}

func TestOrchestrator_RecoverTerminatesStaleSessions(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	stale := newTestSession("alice", console.StatusActive)
	f.sessions.sessions[stale.ID] = *stale
	ended := newTestSession("alice", console.StatusTerminated)
	f.sessions.sessions[ended.ID] = *ended

	if err := f.orch.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got := f.sessions.stored(t, stale.ID)
	if got.Status != console.StatusTerminated || got.EndReason != EndReasonRestart {
		t.Errorf("status/reason = %s/%s", got.Status, got.EndReason)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestOrchestrator_ClassifyCommand(t *testing.T) {
	tests := []struct {
		text string
		want console.CommandType
	}{
		{"cd /tmp", console.CommandBuiltin},
		{"echo hi", console.CommandBuiltin},
		{"./deploy.sh prod", console.CommandScript},
		{"ls -la", console.CommandExternal},
	}
	for _, tc := range tests {
		if got := classifyCommand("", tc.text); got != tc.want {
			t.Errorf("classifyCommand(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
