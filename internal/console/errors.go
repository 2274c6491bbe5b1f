package console

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned by the orchestrator and history layers.
// Gateways map these to transport status codes with errors.Is.
var (
	// ErrNotFound is returned when a session, sandbox, or command does
	// not exist. Ownership mismatches on reads also surface as not-found
	// so callers cannot probe for foreign session IDs.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the caller owns no right to
	// mutate the target record.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSessionNotReady rejects dispatch while provisioning is still
	// in flight.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionNotActive rejects operations on error or terminated
	// sessions.
	ErrSessionNotActive = errors.New("session not active")

	// ErrSessionPaused rejects dispatch into a paused session.
	ErrSessionPaused = errors.New("session paused")

	// ErrSessionDisconnected rejects dispatch into a disconnected
	// session until the client reconnects.
	ErrSessionDisconnected = errors.New("session disconnected")

	// ErrInvalidInput rejects malformed requests before they reach a
	// session: unknown session types, empty command text, bad formats.
	ErrInvalidInput = errors.New("invalid input")
)

// Provisioning failure reasons carried by ProvisionError.
const (
	ReasonQuota    = "quota"    // per-owner sandbox limit reached
	ReasonCapacity = "capacity" // global sandbox limit reached
	ReasonBackend  = "backend"  // driver backend failed
)

// ProvisionError reports a failed sandbox provisioning attempt. The
// session that requested the sandbox is moved straight to terminated;
// the error carries the reason so gateways can distinguish quota
// rejections from backend outages.
type ProvisionError struct {
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox provisioning failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox provisioning failed (%s)", e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// SandboxLostError reports a sandbox that became unreachable while a
// session still referenced it. The orchestrator reacts by moving the
// session through error to terminated.
type SandboxLostError struct {
	SandboxID uuid.UUID
	Err       error
}

func (e *SandboxLostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s lost: %v", e.SandboxID, e.Err)
	}
	return fmt.Sprintf("sandbox %s lost", e.SandboxID)
}

func (e *SandboxLostError) Unwrap() error { return e.Err }
