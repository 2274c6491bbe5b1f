package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

func newTestProcessDriver(t *testing.T) *ProcessDriver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewProcessDriver(ProcessConfig{
		DefaultTimeout: 10 * time.Second,
		BaseDir:        t.TempDir(),
		MaxSandboxes:   4,
		MaxPerOwner:    2,
	}, logger)
}

func TestProcessDriver_BasicExecution(t *testing.T) {
	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	t.Cleanup(func() { _ = d.Destroy(context.Background(), sb.ID) })

	result, err := d.Exec(ctx, sb.ID, ExecRequest{Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessDriver_StatePersistsAcrossCommands(t *testing.T) {
	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	t.Cleanup(func() { _ = d.Destroy(context.Background(), sb.ID) })

	if _, err := d.Exec(ctx, sb.ID, ExecRequest{
		Command: "sh", Args: []string{"-c", "echo persisted > state.txt"},
	}); err != nil {
		t.Fatalf("writing state: %v", err)
	}

	result, err := d.Exec(ctx, sb.ID, ExecRequest{Command: "cat", Args: []string{"state.txt"}})
	if err != nil {
		t.Fatalf("reading state: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "persisted" {
		t.Errorf("stdout = %q, want %q", got, "persisted")
	}
}

func TestProcessDriver_Timeout(t *testing.T) {
	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	t.Cleanup(func() { _ = d.Destroy(context.Background(), sb.ID) })

	result, err := d.Exec(ctx, sb.ID, ExecRequest{
		Command: "sh", Args: []string{"-c", "echo partial; sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("error = %v, want ErrExecTimeout", err)
	}
	if result == nil || !strings.Contains(result.Stdout, "partial") {
		t.Errorf("expected partial output captured before timeout, got %+v", result)
	}
	if result.Signal != "SIGKILL" {
		t.Errorf("signal = %q, want SIGKILL", result.Signal)
	}
}

func TestProcessDriver_SanitizedEnv(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "hunter2")

	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	t.Cleanup(func() { _ = d.Destroy(context.Background(), sb.ID) })

	result, err := d.Exec(ctx, sb.ID, ExecRequest{
		Command: "sh", Args: []string{"-c", "echo [$SECRET_TOKEN] [$EXTRA]"},
		Env:     map[string]string{"EXTRA": "visible"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "[] [visible]" {
		t.Errorf("stdout = %q, want %q (host env must not leak)", got, "[] [visible]")
	}
}

func TestProcessDriver_DestroyRemovesDirAndHealth(t *testing.T) {
	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	if err := d.Health(ctx, sb.ID); err != nil {
		t.Fatalf("health on fresh sandbox: %v", err)
	}

	if err := d.Destroy(ctx, sb.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(sb.Handle); !os.IsNotExist(err) {
		t.Errorf("sandbox dir %s still exists after destroy", sb.Handle)
	}
	// Unknown after destroy; a second destroy is a no-op.
	if err := d.Destroy(ctx, sb.ID); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if err := d.Health(ctx, sb.ID); !errors.Is(err, ErrUnknownSandbox) {
		t.Errorf("health after destroy = %v, want ErrUnknownSandbox", err)
	}
}

func TestProcessDriver_HealthDetectsLostDir(t *testing.T) {
	d := newTestProcessDriver(t)
	ctx := context.Background()

	sb, err := d.Provision(ctx, uuid.New(), "alice")
	if err != nil {
		t.Fatalf("provisioning sandbox: %v", err)
	}
	t.Cleanup(func() { _ = d.Destroy(context.Background(), sb.ID) })

	if err := os.RemoveAll(sb.Handle); err != nil {
		t.Fatalf("removing sandbox dir: %v", err)
	}
	if err := d.Health(ctx, sb.ID); !errors.Is(err, ErrUnreachable) {
		t.Errorf("health = %v, want ErrUnreachable", err)
	}
}

func TestProcessDriver_CapacityLimits(t *testing.T) {
	d := newTestProcessDriver(t) // MaxSandboxes: 4, MaxPerOwner: 2
	ctx := context.Background()

	var boxes []uuid.UUID
	for i := 0; i < 2; i++ {
		sb, err := d.Provision(ctx, uuid.New(), "alice")
		if err != nil {
			t.Fatalf("provisioning sandbox %d: %v", i, err)
		}
		boxes = append(boxes, sb.ID)
	}
	t.Cleanup(func() {
		for _, id := range boxes {
			_ = d.Destroy(context.Background(), id)
		}
	})

	// Third sandbox for the same owner exceeds the per-owner quota.
	var pErr *console.ProvisionError
	if _, err := d.Provision(ctx, uuid.New(), "alice"); !errors.As(err, &pErr) || pErr.Reason != console.ReasonQuota {
		t.Fatalf("error = %v, want ProvisionError with quota reason", err)
	}

	// Other owners still fit until the global cap is hit.
	for _, owner := range []string{"bob", "carol"} {
		sb, err := d.Provision(ctx, uuid.New(), owner)
		if err != nil {
			t.Fatalf("provisioning for %s: %v", owner, err)
		}
		boxes = append(boxes, sb.ID)
	}
	if _, err := d.Provision(ctx, uuid.New(), "dave"); !errors.As(err, &pErr) || pErr.Reason != console.ReasonCapacity {
		t.Fatalf("error = %v, want ProvisionError with capacity reason", err)
	}

	// Destroy frees the slot.
	if err := d.Destroy(ctx, boxes[0]); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	sb, err := d.Provision(ctx, uuid.New(), "dave")
	if err != nil {
		t.Fatalf("provisioning after release: %v", err)
	}
	boxes = append(boxes, sb.ID)
}

func TestLimitedWriter_Truncation(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 8}

	n, err := io.WriteString(lw, "0123456789")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10 (writer must accept all bytes)", n)
	}
	if got := buf.String(); got != "01234567" {
		t.Errorf("captured = %q, want %q", got, "01234567")
	}
	if !lw.truncated {
		t.Error("truncated flag not set")
	}

	// Further writes are discarded without error.
	if _, err := io.WriteString(lw, "more"); err != nil {
		t.Fatalf("write after cap: %v", err)
	}
	if got := buf.String(); got != "01234567" {
		t.Errorf("captured after cap = %q, want unchanged", got)
	}
}
