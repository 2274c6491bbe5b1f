package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "sanduku-runtime:latest"

	// sandboxLabel marks every container this driver creates, so an
	// orphan sweep can find leftovers from a previous run.
	sandboxLabel = "sanduku.sandbox"
	sessionLabel = "sanduku.session"
)

// DockerConfig configures the Docker-based driver.
type DockerConfig struct {
	Image          string        // Container image (e.g. "sanduku-runtime:latest").
	DefaultTimeout time.Duration // Wall-clock timeout per command.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none (no network stack at all).
	MaxSandboxes   int           // Global concurrent sandbox cap.
	MaxPerOwner    int           // Per-owner concurrent sandbox cap.
}

// DockerDriver runs one long-lived hardened container per session and
// executes commands inside it with docker exec.
//
// Security guarantees for every container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - stdout/stderr capped per command to prevent OOM on the host
//   - Containers labeled so orphans survive nothing but a sweep
type DockerDriver struct {
	config DockerConfig
	caps   *capTracker
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[uuid.UUID]*dockerBox
}

type dockerBox struct {
	container string
	ownerID   string
}

var _ Driver = (*DockerDriver)(nil)

// NewDockerDriver creates a Docker-based driver.
func NewDockerDriver(cfg DockerConfig, logger *slog.Logger) *DockerDriver {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerDriver{
		config: cfg,
		caps:   newCapTracker(cfg.MaxSandboxes, cfg.MaxPerOwner),
		logger: logger,
		boxes:  make(map[uuid.UUID]*dockerBox),
	}
}

// Provision starts a hardened container for the session and keeps it
// running until Destroy.
func (d *DockerDriver) Provision(ctx context.Context, sessionID uuid.UUID, ownerID string) (*console.Sandbox, error) {
	if err := d.caps.Acquire(ownerID); err != nil {
		return nil, err
	}

	containerName, err := generateContainerName()
	if err != nil {
		d.caps.Release(ownerID)
		return nil, &console.ProvisionError{Reason: console.ReasonBackend, Err: err}
	}

	args := d.buildRunArgs(containerName, sessionID)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(startCtx, "docker", args...).CombinedOutput()
	if err != nil {
		d.caps.Release(ownerID)
		d.forceRemoveContainer(containerName)
		return nil, &console.ProvisionError{
			Reason: console.ReasonBackend,
			Err:    fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out))),
		}
	}

	now := time.Now().UTC()
	sb := &console.Sandbox{
		ID:             uuid.New(),
		SessionID:      sessionID,
		Handle:         containerName,
		Status:         console.SandboxRunning,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	d.mu.Lock()
	d.boxes[sb.ID] = &dockerBox{container: containerName, ownerID: ownerID}
	d.mu.Unlock()

	d.logger.Info("docker sandbox provisioned",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("session_id", sessionID.String()),
		slog.String("container", containerName),
		slog.String("image", d.config.Image),
		slog.Int("in_use", d.caps.InUse()),
	)
	return sb, nil
}

// Exec runs one command inside the session's container via docker exec.
func (d *DockerDriver) Exec(ctx context.Context, sandboxID uuid.UUID, req ExecRequest) (*ExecResult, error) {
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

	args := []string{"exec"}
	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, box.container, req.Command)
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, "docker", args...)

	// Kill the docker client on context cancellation. The exec'd process
	// dies with the container when the sandbox is destroyed.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Info("docker sandbox executing",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("container", box.container),
		slog.String("command", req.Command),
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
			d.logger.Warn("docker sandbox exec timed out",
				slog.String("container", box.container),
				slog.Duration("timeout", timeout),
			)
			result.Signal = "SIGKILL"
			return result, ErrExecTimeout
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Distinguish a failing command from a dead container:
			// docker exec itself exits 125/126/127 and complains on
			// stderr when the container is gone.
			if containerGone(result.Stderr) {
				return nil, fmt.Errorf("%w: %s", ErrUnreachable, strings.TrimSpace(result.Stderr))
			}
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec: %w", runErr)
		}
	}

	d.logger.Info("docker sandbox exec completed",
		slog.String("container", box.container),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return result, nil
}

// Destroy removes the session's container and releases its slot.
// Unknown sandbox IDs are treated as already destroyed.
func (d *DockerDriver) Destroy(_ context.Context, sandboxID uuid.UUID) error {
	d.mu.Lock()
	box, ok := d.boxes[sandboxID]
	if ok {
		delete(d.boxes, sandboxID)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	d.forceRemoveContainer(box.container)
	d.caps.Release(box.ownerID)

	d.logger.Info("docker sandbox destroyed",
		slog.String("sandbox_id", sandboxID.String()),
		slog.String("container", box.container),
		slog.Int("in_use", d.caps.InUse()),
	)
	return nil
}

// Health checks that the container is still running.
func (d *DockerDriver) Health(ctx context.Context, sandboxID uuid.UUID) error {
	box, err := d.lookup(sandboxID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.Running}}", box.container).Output()
	if err != nil {
		return fmt.Errorf("%w: inspect failed: %v", ErrUnreachable, err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("%w: container not running", ErrUnreachable)
	}
	return nil
}

// CleanupOrphans removes labeled containers left over from a previous
// process. Called once at startup, before any sessions exist. Returns the
// number of containers removed.
func (d *DockerDriver) CleanupOrphans(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "ps", "-aq",
		"--filter", "label="+sandboxLabel).Output()
	if err != nil {
		return 0, fmt.Errorf("listing orphaned containers: %w", err)
	}

	ids := strings.Fields(string(out))
	removed := 0
	for _, id := range ids {
		if _, err := exec.CommandContext(ctx, "docker", "rm", "-f", id).CombinedOutput(); err != nil {
			d.logger.Warn("failed to remove orphaned container",
				slog.String("container", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		d.logger.Info("removed orphaned sandbox containers", slog.Int("count", removed))
	}
	return removed, nil
}

func (d *DockerDriver) lookup(sandboxID uuid.UUID) (*dockerBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.boxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}
	return box, nil
}

// buildRunArgs constructs the docker run argument list with all security
// hardening flags. The container idles on sleep until commands arrive.
func (d *DockerDriver) buildRunArgs(name string, sessionID uuid.UUID) []string {
	memoryFlag := strconv.Itoa(d.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(d.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", sandboxLabel + "=1",
		"--label", sessionLabel + "=" + sessionID.String(),

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all 38+ Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.
		"--user=65534:65534",               // Non-root (nobody).

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + pidsFlag,    // Fork bomb protection.

		// --- Writable tmpfs for working directories ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,noexec,nosuid,size=64m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", "/home/sandbox",
	}

	// Network policy: disabled by default (no network stack at all).
	if d.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	args = append(args, d.config.Image, "sleep", "infinity")
	return args
}

// forceRemoveContainer attempts to remove a container by name. Errors are
// logged but not returned (best-effort cleanup).
func (d *DockerDriver) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when the container never started.
		if !bytes.Contains(out, []byte("No such container")) {
			d.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// containerGone reports whether docker exec stderr indicates the container
// no longer exists or has stopped.
func containerGone(stderr string) bool {
	return strings.Contains(stderr, "No such container") ||
		strings.Contains(stderr, "is not running") ||
		strings.Contains(stderr, "Cannot connect to the Docker daemon")
}

// generateContainerName returns a unique container name: sanduku-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-sbx-" + hex.EncodeToString(b), nil
}
