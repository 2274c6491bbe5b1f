package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

const (
	// maxOutputBytes caps stdout/stderr per command to prevent OOM from
	// chatty commands. The prefix up to the cap is kept.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based driver.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxCPUSeconds  int // CPU time limit per command (ulimit -t).
	MaxMemoryMB    int // Virtual memory limit per command (ulimit -v).
	BaseDir        string
	MaxSandboxes   int
	MaxPerOwner    int
}

// ProcessDriver backs each sandbox with a private directory on the host
// and runs commands as isolated OS processes. Weaker isolation than the
// Docker driver; intended for development and tests.
//
// Per-command guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent — only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessDriver struct {
	config ProcessConfig
	caps   *capTracker
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[uuid.UUID]*processBox
}

type processBox struct {
	dir     string
	ownerID string
}

var _ Driver = (*ProcessDriver)(nil)

// NewProcessDriver creates a process-based driver.
func NewProcessDriver(cfg ProcessConfig, logger *slog.Logger) *ProcessDriver {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxCPUSeconds == 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessDriver{
		config: cfg,
		caps:   newCapTracker(cfg.MaxSandboxes, cfg.MaxPerOwner),
		logger: logger,
		boxes:  make(map[uuid.UUID]*processBox),
	}
}

// Provision creates the sandbox's private directory. The directory is the
// sandbox home for the whole session and is removed on Destroy.
func (d *ProcessDriver) Provision(_ context.Context, sessionID uuid.UUID, ownerID string) (*console.Sandbox, error) {
	if err := d.caps.Acquire(ownerID); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(d.config.BaseDir, "sanduku-sbx-*")
	if err != nil {
		d.caps.Release(ownerID)
		return nil, &console.ProvisionError{
			Reason: console.ReasonBackend,
			Err:    fmt.Errorf("creating sandbox dir: %w", err),
		}
	}

	now := time.Now().UTC()
	sb := &console.Sandbox{
		ID:             uuid.New(),
		SessionID:      sessionID,
		Handle:         dir,
		Status:         console.SandboxRunning,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	d.mu.Lock()
	d.boxes[sb.ID] = &processBox{dir: dir, ownerID: ownerID}
	d.mu.Unlock()

	d.logger.Info("process sandbox provisioned",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("session_id", sessionID.String()),
		slog.String("dir", dir),
		slog.Int("in_use", d.caps.InUse()),
	)
	return sb, nil
}

// Exec runs one command as an isolated process rooted in the sandbox dir.
func (d *ProcessDriver) Exec(ctx context.Context, sandboxID uuid.UUID, req ExecRequest) (*ExecResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	box, err := d.lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The command is wrapped:
	//
	//	sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ cmd args...
	//
	// Using exec "$@" with positional parameters prevents shell injection —
	// the user's command is never interpolated into the shell string.
	memKB := d.config.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, d.config.MaxCPUSeconds,
	)
	args := make([]string, 0, 4+len(req.Args))
	args = append(args, "-c", shellScript, "_", req.Command) // "_" is the $0 placeholder
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)

	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else {
		cmd.Dir = box.dir
	}

	// Process group isolation — the child runs in its own group, and the
	// whole group is killed on timeout so grandchildren die too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — NO inheritance from the host process.
	cmd.Env = buildEnv(box.dir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Info("process sandbox executing",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  duration,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			d.logger.Warn("process sandbox exec timed out",
				slog.String("sandbox_id", sandboxID.String()),
				slog.Duration("timeout", timeout),
			)
			result.Signal = "SIGKILL"
			return result, ErrExecTimeout
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				result.Signal = ws.Signal().String()
			}
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	d.logger.Info("process sandbox exec completed",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return result, nil
}

// Destroy removes the sandbox directory and releases its slot. Unknown
// sandbox IDs are treated as already destroyed.
func (d *ProcessDriver) Destroy(_ context.Context, sandboxID uuid.UUID) error {
	d.mu.Lock()
	box, ok := d.boxes[sandboxID]
	if ok {
		delete(d.boxes, sandboxID)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.RemoveAll(box.dir); err != nil {
		d.logger.Warn("failed to remove sandbox dir",
			slog.String("dir", box.dir),
			slog.String("error", err.Error()),
		)
	}
	d.caps.Release(box.ownerID)
	return nil
}

// Health checks that the sandbox directory still exists.
func (d *ProcessDriver) Health(_ context.Context, sandboxID uuid.UUID) error {
	box, err := d.lookup(sandboxID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(box.dir); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (d *ProcessDriver) lookup(sandboxID uuid.UUID) (*processBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.boxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}
	return box, nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited — this prevents API keys, credentials,
// and other secrets from leaking into sandboxed commands.
func buildEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded and the truncated flag set.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		if total > 0 {
			lw.truncated = true
		}
		return total, nil // Silently discard.
	}
	if total > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
