// Package sandbox provides isolated execution environments for console
// sessions. A sandbox is provisioned when a session is created, lives for
// the whole session, and every command the session dispatches runs inside
// it — never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// Errors returned by driver Exec and Health calls. Provisioning failures
// are reported as *console.ProvisionError instead so callers can read the
// reason.
var (
	// ErrExecTimeout is returned by Exec when the command hit its
	// wall-clock limit. The result returned alongside it carries the
	// partial output captured up to that point.
	ErrExecTimeout = errors.New("execution timed out")

	// ErrUnreachable is returned when the sandbox backend no longer
	// responds for an existing sandbox (container gone, daemon down).
	ErrUnreachable = errors.New("sandbox unreachable")

	// ErrUnknownSandbox is returned for sandbox IDs the driver does not
	// track. Destroy treats unknown IDs as already destroyed.
	ErrUnknownSandbox = errors.New("unknown sandbox")
)

// Driver provisions, executes into, and tears down sandboxes.
//
// Implementations must make Destroy idempotent and must enforce the
// configured capacity limits atomically at provisioning time: a Provision
// call either claims a slot or fails with *console.ProvisionError, never
// leaving a half-claimed slot behind.
type Driver interface {
	// Provision creates a sandbox bound to the given session. On failure
	// it returns a *console.ProvisionError carrying one of the
	// console.Reason* values.
	Provision(ctx context.Context, sessionID uuid.UUID, ownerID string) (*console.Sandbox, error)

	// Exec runs one command inside the sandbox, blocking until it exits
	// or times out. On ErrExecTimeout the returned result is non-nil and
	// holds the partial output.
	Exec(ctx context.Context, sandboxID uuid.UUID, req ExecRequest) (*ExecResult, error)

	// Destroy tears the sandbox down and releases its capacity slot.
	// Destroying an unknown or already-destroyed sandbox is a no-op.
	Destroy(ctx context.Context, sandboxID uuid.UUID) error

	// Health probes whether the sandbox can still execute commands.
	// A failing probe returns ErrUnreachable (wrapped).
	Health(ctx context.Context, sandboxID uuid.UUID) error
}

// ExecRequest defines one command to run inside a sandbox.
type ExecRequest struct {
	// Command is the program name; Args are its arguments. The command is
	// never passed through shell interpolation.
	Command string
	Args    []string

	// WorkingDir overrides the working directory inside the sandbox.
	// Empty = the sandbox home directory.
	WorkingDir string

	// Env adds extra environment variables on top of the sandbox's
	// minimal sanitized base set.
	Env map[string]string

	// Timeout overrides the driver default. Zero = use default.
	Timeout time.Duration
}

// ExecResult captures the outcome of one execution.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Signal    string // Terminating signal name, if the process was signaled.
	Truncated bool   // Either stream hit the output cap.
	Duration  time.Duration
}

// Output converts the result to the domain output record.
func (r *ExecResult) Output() *console.CommandOutput {
	code := r.ExitCode
	return &console.CommandOutput{
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		ExitCode:  &code,
		Signal:    r.Signal,
		Truncated: r.Truncated,
	}
}
