// Package console defines the core domain types for browser console
// sessions: sessions, their backing sandboxes, and the commands executed
// inside them. Types here are storage- and transport-agnostic; GORM models
// and HTTP DTOs live in their own packages.
package console

import (
	"time"

	"github.com/google/uuid"
)

// SessionType classifies how a session is being used.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionScript      SessionType = "script"
	SessionDebug       SessionType = "debug"
	SessionRemote      SessionType = "remote"
)

// ValidSessionType reports whether t is one of the known session types.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionInteractive, SessionScript, SessionDebug, SessionRemote:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
//
// Transitions:
//
//	initializing → active | terminated (provisioning failed)
//	active       → paused | disconnected | error | terminated
//	paused       → active | terminated
//	disconnected → active | terminated
//	error        → terminated
//
// terminated is final; no status moves out of it.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusPaused       SessionStatus = "paused"
	StatusDisconnected SessionStatus = "disconnected"
	StatusError        SessionStatus = "error"
	StatusTerminated   SessionStatus = "terminated"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool { return s == StatusTerminated }

// Live reports whether the session still holds (or may hold) a sandbox.
func (s SessionStatus) Live() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusPaused, StatusDisconnected, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle step. Self-transitions are not legal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusInitializing:
		return next == StatusActive || next == StatusTerminated
	case StatusActive:
		return next == StatusPaused || next == StatusDisconnected ||
			next == StatusError || next == StatusTerminated
	case StatusPaused, StatusDisconnected:
		return next == StatusActive || next == StatusTerminated
	case StatusError:
		return next == StatusTerminated
	}
	return false
}

// SessionMetadata carries client attribution captured at creation time.
// The shape is fixed; arbitrary key/value bags are deliberately not
// supported so the stored record stays queryable.
type SessionMetadata struct {
	UserAgent  string `json:"user_agent,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// Session is a user-facing console session. At most one sandbox is bound
// to a session over its whole lifetime; a session whose sandbox dies is
// torn down, never re-provisioned.
type Session struct {
	ID             uuid.UUID       `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           SessionType     `json:"type"`
	Status         SessionStatus   `json:"status"`
	SandboxID      *uuid.UUID      `json:"sandbox_id,omitempty"`
	Metadata       SessionMetadata `json:"metadata"`
	CommandCount   int             `json:"command_count"`
	ErrorCount     int             `json:"error_count"`
	EndReason      string          `json:"end_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// SandboxStatus is the lifecycle state of a sandbox as tracked by the
// driver and registry.
type SandboxStatus string

const (
	SandboxProvisioning SandboxStatus = "provisioning"
	SandboxRunning      SandboxStatus = "running"
	// SandboxStopped marks a sandbox whose session is paused: the
	// environment stays warm but accepts no commands until resume.
	SandboxStopped    SandboxStatus = "stopped"
	SandboxFailed     SandboxStatus = "failed"
	SandboxTerminated SandboxStatus = "terminated"
)

// Sandbox is the isolated execution environment backing exactly one
// session. Handle is the driver-specific identifier (container name for
// the Docker driver, working directory for the process driver).
type Sandbox struct {
	ID             uuid.UUID     `json:"id"`
	SessionID      uuid.UUID     `json:"session_id"`
	Handle         string        `json:"handle"`
	Status         SandboxStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
}

// CommandType classifies the origin of a dispatched command.
type CommandType string

const (
	CommandSystem   CommandType = "system"
	CommandBuiltin  CommandType = "builtin"
	CommandAlias    CommandType = "alias"
	CommandScript   CommandType = "script"
	CommandExternal CommandType = "external"
)

// ValidCommandType reports whether t is one of the known command types.
func ValidCommandType(t CommandType) bool {
	switch t {
	case CommandSystem, CommandBuiltin, CommandAlias, CommandScript, CommandExternal:
		return true
	}
	return false
}

// CommandStatus is the execution state of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
	CommandTimeout   CommandStatus = "timeout"
)

// Terminal reports whether the command has finished executing.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandTimeout:
		return true
	}
	return false
}

// CommandOutput is the captured result of an execution. It is nil on a
// Command until the command reaches a terminal status. Truncated is set
// when either stream hit the output cap; the prefix up to the cap is kept.
type CommandOutput struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Command is one command dispatched into a session's sandbox. Records are
// written when execution starts (status pending) and finalized exactly
// once when a terminal status is reached.
type Command struct {
	ID          uuid.UUID         `json:"id"`
	SessionID   uuid.UUID         `json:"session_id"`
	OwnerID     string            `json:"owner_id"`
	Type        CommandType       `json:"type"`
	Status      CommandStatus     `json:"status"`
	Text        string            `json:"text"`
	Args        []string          `json:"args,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Output      *CommandOutput    `json:"output,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  *int64            `json:"duration_ms,omitempty"`
}

// Finalize moves the command to a terminal status with its output,
// stamping CompletedAt and DurationMs. It is a no-op if the command is
// already terminal.
func (c *Command) Finalize(status CommandStatus, out *CommandOutput, now time.Time) {
	if c.Status.Terminal() {
		return
	}
	c.Status = status
	c.Output = out
	c.CompletedAt = &now
	ms := now.Sub(c.StartedAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.DurationMs = &ms
}
