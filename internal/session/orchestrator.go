package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// End reasons recorded on terminated sessions.
const (
	EndReasonUser            = "user-request"
	EndReasonIdle            = "idle-timeout"
	EndReasonSandboxLost     = "sandbox-lost"
	EndReasonProvisionFailed = "provision-failed"
	EndReasonRestart         = "server-restart"
)

// CommandRecorder persists command records as they start and finish.
// Implemented by the history log.
type CommandRecorder interface {
	Append(ctx context.Context, cmd *console.Command) error
	Finalize(ctx context.Context, cmd *console.Command) error
}

// Config tunes the orchestrator.
type Config struct {
	// IdleTimeout terminates sessions with no activity. Zero = 30m.
	IdleTimeout time.Duration
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 30 * time.Minute
}

// DispatchRequest describes one command to run in a session.
type DispatchRequest struct {
	Text       string
	Args       []string
	Type       console.CommandType // Empty = classified from the text.
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration // Zero = executor default.
}

// Orchestrator drives sessions through their lifecycle: provisioning on
// create, dispatching commands, pause/resume/disconnect bookkeeping, and
// teardown. All state lives in the registry; the orchestrator owns the
// transitions.
type Orchestrator struct {
	registry *Registry
	driver   sandbox.Driver
	exec     *executor.Executor
	recorder CommandRecorder
	config   Config
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	logger   *slog.Logger

	// Per-session dispatch locks. A session accepts the next command
	// only after the previous one reached a terminal status.
	dispatchMu sync.Mutex
	dispatch   map[uuid.UUID]*sync.Mutex
}

// NewOrchestrator wires the orchestrator. metrics and anomaly may be nil.
func NewOrchestrator(
	registry *Registry,
	driver sandbox.Driver,
	exec *executor.Executor,
	recorder CommandRecorder,
	cfg Config,
	metrics *observability.MetricsCollector,
	anomaly *observability.AnomalyDetector,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		driver:   driver,
		exec:     exec,
		recorder: recorder,
		config:   cfg,
		metrics:  metrics,
		anomaly:  anomaly,
		logger:   logger,
		dispatch: make(map[uuid.UUID]*sync.Mutex),
	}
}

// CreateSession provisions a sandbox and returns the session in active
// status. On provisioning failure the session record is kept in
// terminated status and the *console.ProvisionError is returned.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID string, typ console.SessionType, meta console.SessionMetadata) (*console.Session, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", console.ErrInvalidInput)
	}
	if typ == "" {
		typ = console.SessionInteractive
	}
	if !console.ValidSessionType(typ) {
		return nil, fmt.Errorf("%w: unknown session type %q", console.ErrInvalidInput, typ)
	}

	now := time.Now().UTC()
	sess := &console.Session{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Type:           typ,
		Status:         console.StatusInitializing,
		Metadata:       meta,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := o.registry.Add(ctx, sess); err != nil {
		return nil, err
	}

	sb, err := o.driver.Provision(ctx, sess.ID, ownerID)
	if err != nil {
		o.logger.Warn("sandbox provisioning failed",
			slog.String("session_id", sess.ID.String()),
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		o.finishSession(ctx, sess.ID, EndReasonProvisionFailed)
		return nil, err
	}

	bindErr := o.registry.BindSandbox(ctx, sess.ID, sb)
	var committed console.Session
	if bindErr == nil {
		committed, bindErr = o.registry.Mutate(ctx, sess.ID, func(s *console.Session) error {
			s.Status = console.StatusActive
			return nil
		})
	}
	if bindErr != nil {
		// Registry refused the activation; don't leak the container.
		_ = o.driver.Destroy(ctx, sb.ID)
		o.finishSession(ctx, sess.ID, EndReasonProvisionFailed)
		return nil, bindErr
	}

	if o.metrics != nil {
		o.metrics.SessionsCreatedTotal.WithLabelValues(string(typ)).Inc()
		o.metrics.SessionsActive.Set(float64(o.registry.Len()))
	}
	o.logger.Info("session created",
		slog.String("session_id", sess.ID.String()),
		slog.String("owner_id", ownerID),
		slog.String("type", string(typ)),
		slog.String("sandbox_id", sb.ID.String()),
	)
	return &committed, nil
}

// DispatchCommand runs one command in the session's sandbox, blocking
// until the command reaches a terminal status. Command-level failures
// (non-zero exit, timeout) come back as the returned record; only
// session-level problems surface as errors.
func (o *Orchestrator) DispatchCommand(ctx context.Context, ownerID string, sessionID uuid.UUID, req DispatchRequest) (*console.Command, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: command text is required", console.ErrInvalidInput)
	}
	if req.Type != "" && !console.ValidCommandType(req.Type) {
		return nil, fmt.Errorf("%w: unknown command type %q", console.ErrInvalidInput, req.Type)
	}

	lock := o.dispatchLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := dispatchGate(sess.Status); err != nil {
		return nil, err
	}
	if sess.SandboxID == nil {
		return nil, console.ErrSessionNotReady
	}

	cmd := &console.Command{
		ID:         uuid.New(),
		SessionID:  sessionID,
		OwnerID:    ownerID,
		Type:       classifyCommand(req.Type, req.Text),
		Status:     console.CommandPending,
		Text:       req.Text,
		Args:       req.Args,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.recorder.Append(ctx, cmd); err != nil {
		return nil, fmt.Errorf("recording command: %w", err)
	}

	o.anomaly.RecordCommand(ownerID)

	runErr := o.exec.Run(ctx, *sess.SandboxID, cmd, req.Timeout)

	if err := o.recorder.Finalize(ctx, cmd); err != nil {
		o.logger.Error("finalizing command record failed",
			slog.String("command_id", cmd.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	failed := cmd.Status == console.CommandFailed || cmd.Status == console.CommandTimeout
	if _, err := o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		s.CommandCount++
		if failed {
			s.ErrorCount++
		}
		s.LastActivityAt = time.Now().UTC()
		return nil
	}); err != nil {
		o.logger.Warn("updating session counters failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}

	if o.metrics != nil {
		o.metrics.CommandsTotal.WithLabelValues(string(cmd.Type), string(cmd.Status)).Inc()
		if cmd.DurationMs != nil {
			o.metrics.CommandDuration.WithLabelValues(string(cmd.Type)).
				Observe(float64(*cmd.DurationMs) / 1000)
		}
	}

	var lost *console.SandboxLostError
	if errors.As(runErr, &lost) {
		o.failSession(ctx, sessionID, lost)
	}
	return cmd, nil
}

// UpdateActivity refreshes the session's activity clock so the reaper
// leaves it alone.
func (o *Orchestrator) UpdateActivity(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() || sess.Status == console.StatusError {
		return console.ErrSessionNotActive
	}
	_, err = o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
	return err
}

// Pause moves an active session to paused. Pausing a paused session is a
// no-op.
func (o *Orchestrator) Pause(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case console.StatusPaused:
		return nil
	case console.StatusActive:
	case console.StatusInitializing:
		return console.ErrSessionNotReady
	case console.StatusDisconnected:
		return console.ErrSessionDisconnected
	default:
		return console.ErrSessionNotActive
	}
	_, err = o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		s.Status = console.StatusPaused
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	if sbErr := o.registry.SetSandboxStatus(ctx, sessionID, console.SandboxStopped); sbErr != nil {
		o.logger.Warn("marking sandbox stopped failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", sbErr.Error()),
		)
	}
	return nil
}

// Resume moves a paused or disconnected session back to active. Resuming
// an active session is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case console.StatusActive:
		return nil
	case console.StatusPaused, console.StatusDisconnected:
	case console.StatusInitializing:
		return console.ErrSessionNotReady
	default:
		return console.ErrSessionNotActive
	}
	_, err = o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		s.Status = console.StatusActive
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	// Resuming from paused brings the sandbox back to running; a
	// disconnected session's sandbox never left that state.
	if sess.Status == console.StatusPaused {
		if sbErr := o.registry.SetSandboxStatus(ctx, sessionID, console.SandboxRunning); sbErr != nil {
			o.logger.Warn("marking sandbox running failed",
				slog.String("session_id", sessionID.String()),
				slog.String("error", sbErr.Error()),
			)
		}
	}
	return nil
}

// Disconnect marks an active session as disconnected, keeping its
// sandbox warm until the client reconnects or the reaper expires it.
func (o *Orchestrator) Disconnect(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != console.StatusActive {
		return nil // Nothing to disconnect.
	}
	_, err = o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		s.Status = console.StatusDisconnected
		return nil
	})
	return err
}

// Terminate tears the session down: the sandbox is destroyed and the
// session moves to terminated with the given reason. Terminating an
// already-terminated session is a no-op.
func (o *Orchestrator) Terminate(ctx context.Context, ownerID string, sessionID uuid.UUID, reason string) error {
	sess, err := o.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = EndReasonUser
	}
	o.teardown(ctx, sessionID, reason)
	return nil
}

// GetSession returns the caller's session. Foreign sessions surface as
// not-found.
func (o *Orchestrator) GetSession(ctx context.Context, ownerID string, sessionID uuid.UUID) (console.Session, error) {
	return o.ownedSession(ctx, ownerID, sessionID)
}

// ListActiveSessions returns the owner's live sessions, most recently
// active first.
func (o *Orchestrator) ListActiveSessions(_ context.Context, ownerID string) []console.Session {
	return o.registry.ListActive(ownerID)
}

// SessionHistory returns the owner's sessions newest-first, including
// terminated ones, along with the total count.
func (o *Orchestrator) SessionHistory(ctx context.Context, ownerID string, limit, offset int) ([]console.Session, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return o.registry.sessions.ListByOwner(ctx, ownerID, limit, offset)
}

// Recover marks sessions that were live when the previous process died
// as terminated. Their sandboxes are gone; the driver's orphan sweep
// removes any leftover containers separately.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stale, err := o.registry.sessions.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("listing stale sessions: %w", err)
	}
	now := time.Now().UTC()
	for i := range stale {
		s := &stale[i]
		s.Status = console.StatusTerminated
		s.EndReason = EndReasonRestart
		s.EndedAt = &now
		if err := o.registry.sessions.Update(ctx, s); err != nil {
			o.logger.Error("marking stale session terminated failed",
				slog.String("session_id", s.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(stale) > 0 {
		o.logger.Info("recovered stale sessions from previous run", slog.Int("count", len(stale)))
	}
	return nil
}

// failSession handles a lost sandbox: the session passes through error
// and is torn down.
func (o *Orchestrator) failSession(ctx context.Context, sessionID uuid.UUID, cause error) {
	o.logger.Error("sandbox lost, tearing session down",
		slog.String("session_id", sessionID.String()),
		slog.String("error", cause.Error()),
	)
	if _, err := o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("session already terminated")
		}
		s.Status = console.StatusError
		return nil
	}); err != nil {
		return
	}
	_ = o.registry.SetSandboxStatus(ctx, sessionID, console.SandboxFailed)
	o.teardown(ctx, sessionID, EndReasonSandboxLost)
}

// teardown destroys the sandbox (if any) and finalizes the session.
func (o *Orchestrator) teardown(ctx context.Context, sessionID uuid.UUID, reason string) {
	sess, err := o.registry.Get(ctx, sessionID)
	if err == nil && sess.SandboxID != nil {
		if err := o.driver.Destroy(ctx, *sess.SandboxID); err != nil {
			o.logger.Warn("destroying sandbox failed",
				slog.String("sandbox_id", sess.SandboxID.String()),
				slog.String("error", err.Error()),
			)
		}
		_ = o.registry.SetSandboxStatus(ctx, sessionID, console.SandboxTerminated)
		o.exec.Forget(*sess.SandboxID)
	}
	o.finishSession(ctx, sessionID, reason)
}

// finishSession moves the session to terminated and stops tracking it.
func (o *Orchestrator) finishSession(ctx context.Context, sessionID uuid.UUID, reason string) {
	now := time.Now().UTC()
	if _, err := o.registry.Mutate(ctx, sessionID, func(s *console.Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = console.StatusTerminated
		s.EndReason = reason
		s.EndedAt = &now
		return nil
	}); err != nil {
		o.logger.Error("finalizing session failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
	o.registry.Remove(sessionID)
	o.forgetDispatchLock(sessionID)

	if o.metrics != nil {
		o.metrics.SessionsTerminatedTotal.WithLabelValues(reason).Inc()
		o.metrics.SessionsActive.Set(float64(o.registry.Len()))
	}
	o.logger.Info("session terminated",
		slog.String("session_id", sessionID.String()),
		slog.String("reason", reason),
	)
}

// ownedSession loads a session and enforces ownership. An ownership
// mismatch deliberately surfaces as ErrNotFound rather than
// ErrPermissionDenied: foreign sessions are indistinguishable from
// missing ones, so callers cannot probe whether an ID exists.
// ErrPermissionDenied is reserved for operations on records the caller
// can see.
func (o *Orchestrator) ownedSession(ctx context.Context, ownerID string, sessionID uuid.UUID) (console.Session, error) {
	sess, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return console.Session{}, err
	}
	if sess.OwnerID != ownerID {
		return console.Session{}, fmt.Errorf("session %s: %w", sessionID, console.ErrNotFound)
	}
	return sess, nil
}

// dispatchGate maps a session status to the dispatch rejection error.
func dispatchGate(status console.SessionStatus) error {
	switch status {
	case console.StatusActive:
		return nil
	case console.StatusInitializing:
		return console.ErrSessionNotReady
	case console.StatusPaused:
		return console.ErrSessionPaused
	case console.StatusDisconnected:
		return console.ErrSessionDisconnected
	default:
		return console.ErrSessionNotActive
	}
}

// classifyCommand resolves the command type, defaulting by inspecting
// the command text.
func classifyCommand(explicit console.CommandType, text string) console.CommandType {
	if explicit != "" {
		return explicit
	}
	name := text
	if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	switch {
	case strings.HasSuffix(name, ".sh"):
		return console.CommandScript
	case builtinCommands[name]:
		return console.CommandBuiltin
	default:
		return console.CommandExternal
	}
}

// builtinCommands are shell builtins the console surfaces directly.
var builtinCommands = map[string]bool{
	"cd":      true,
	"pwd":     true,
	"echo":    true,
	"export":  true,
	"alias":   true,
	"history": true,
	"exit":    true,
}

func (o *Orchestrator) dispatchLock(sessionID uuid.UUID) *sync.Mutex {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	lock, ok := o.dispatch[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.dispatch[sessionID] = lock
	}
	return lock
}

func (o *Orchestrator) forgetDispatchLock(sessionID uuid.UUID) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	delete(o.dispatch, sessionID)
}
