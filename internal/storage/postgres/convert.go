package postgres

import (
	"encoding/json"

	"github.com/jkaninda/sanduku/internal/console"
)

// --- Session ---

func toSessionModel(s *console.Session) SessionModel {
	meta, _ := json.Marshal(s.Metadata)
	if meta == nil {
		meta = []byte("{}")
	}
	return SessionModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Type:           string(s.Type),
		Status:         string(s.Status),
		SandboxID:      s.SandboxID,
		Metadata:       JSONB(meta),
		CommandCount:   s.CommandCount,
		ErrorCount:     s.ErrorCount,
		EndReason:      s.EndReason,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
	}
}

func toSessionDomain(m *SessionModel) *console.Session {
	s := &console.Session{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Type:           console.SessionType(m.Type),
		Status:         console.SessionStatus(m.Status),
		SandboxID:      m.SandboxID,
		CommandCount:   m.CommandCount,
		ErrorCount:     m.ErrorCount,
		EndReason:      m.EndReason,
		CreatedAt:      m.CreatedAt,
		LastActivityAt: m.LastActivityAt,
		EndedAt:        m.EndedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &s.Metadata)
	}
	return s
}

// --- Sandbox ---

func toSandboxModel(sb *console.Sandbox) SandboxModel {
	return SandboxModel{
		ID:             sb.ID,
		SessionID:      sb.SessionID,
		Handle:         sb.Handle,
		Status:         string(sb.Status),
		CreatedAt:      sb.CreatedAt,
		LastAccessedAt: sb.LastAccessedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *console.Sandbox {
	return &console.Sandbox{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Handle:         m.Handle,
		Status:         console.SandboxStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		LastAccessedAt: m.LastAccessedAt,
	}
}

// --- Command ---

func toCommandModel(c *console.Command) CommandModel {
	args, _ := json.Marshal(c.Args)
	if args == nil {
		args = []byte("[]")
	}
	env, _ := json.Marshal(c.Env)
	if env == nil {
		env = []byte("{}")
	}
	m := CommandModel{
		ID:          c.ID,
		SessionID:   c.SessionID,
		OwnerID:     c.OwnerID,
		Type:        string(c.Type),
		Status:      string(c.Status),
		Text:        c.Text,
		Args:        JSONB(args),
		WorkingDir:  c.WorkingDir,
		Env:         JSONB(env),
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		DurationMs:  c.DurationMs,
	}
	if c.Output != nil {
		out, _ := json.Marshal(c.Output)
		m.Output = JSONB(out)
	}
	return m
}

func toCommandDomain(m *CommandModel) *console.Command {
	c := &console.Command{
		ID:          m.ID,
		SessionID:   m.SessionID,
		OwnerID:     m.OwnerID,
		Type:        console.CommandType(m.Type),
		Status:      console.CommandStatus(m.Status),
		Text:        m.Text,
		WorkingDir:  m.WorkingDir,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		DurationMs:  m.DurationMs,
	}
	if len(m.Args) > 0 {
		_ = json.Unmarshal(m.Args, &c.Args)
	}
	if len(m.Env) > 0 {
		_ = json.Unmarshal(m.Env, &c.Env)
	}
	if len(m.Output) > 0 {
		var out console.CommandOutput
		if err := json.Unmarshal(m.Output, &out); err == nil {
			c.Output = &out
		}
	}
	return c
}
