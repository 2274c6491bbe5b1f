// Package session tracks console sessions through their lifecycle: the
// registry holds live state, the orchestrator drives transitions, and the
// reaper reclaims idle or unhealthy sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// SessionStore persists session records. The registry is the single
// writer; the store is a durable write-through copy used for history and
// crash recovery.
type SessionStore interface {
	Create(ctx context.Context, s *console.Session) error
	Update(ctx context.Context, s *console.Session) error
	Get(ctx context.Context, id uuid.UUID) (*console.Session, error)
	// ListByOwner returns the owner's sessions newest-first along with
	// the total count, for paginated session history.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]console.Session, int64, error)
	// ListLive returns all sessions in a non-terminated status, used for
	// startup recovery.
	ListLive(ctx context.Context) ([]console.Session, error)
}

// SandboxStore persists sandbox records.
type SandboxStore interface {
	Create(ctx context.Context, sb *console.Sandbox) error
	Update(ctx context.Context, sb *console.Sandbox) error
	Get(ctx context.Context, id uuid.UUID) (*console.Sandbox, error)
}

// Registry is the in-memory source of truth for live sessions. Every
// mutation goes through Mutate, which serializes writers per record,
// validates the lifecycle transition, and writes the result through to
// the store. Reads return copies — callers never share memory with the
// registry.
type Registry struct {
	sessions  SessionStore
	sandboxes SandboxStore
	logger    *slog.Logger

	mu   sync.RWMutex
	live map[uuid.UUID]*entry
}

type entry struct {
	mu      sync.Mutex
	session console.Session
	sandbox *console.Sandbox
}

// NewRegistry creates an empty registry backed by the given stores.
func NewRegistry(sessions SessionStore, sandboxes SandboxStore, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:  sessions,
		sandboxes: sandboxes,
		logger:    logger,
		live:      make(map[uuid.UUID]*entry),
	}
}

// Add persists a new session and starts tracking it.
func (r *Registry) Add(ctx context.Context, s *console.Session) error {
	if err := r.sessions.Create(ctx, s); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	r.mu.Lock()
	r.live[s.ID] = &entry{session: *s}
	r.mu.Unlock()
	return nil
}

// Get returns a copy of a live session, falling back to the store for
// sessions that already left the registry.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (console.Session, error) {
	r.mu.RLock()
	e, ok := r.live[id]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		return s, nil
	}

	stored, err := r.sessions.Get(ctx, id)
	if err != nil {
		return console.Session{}, err
	}
	return *stored, nil
}

// BindSandbox persists the sandbox record and attaches it to the session.
// A session gets exactly one sandbox over its lifetime; binding a second
// one is an error.
func (r *Registry) BindSandbox(ctx context.Context, sessionID uuid.UUID, sb *console.Sandbox) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.SandboxID != nil {
		return fmt.Errorf("session %s already has sandbox %s", sessionID, *e.session.SandboxID)
	}
	if err := r.sandboxes.Create(ctx, sb); err != nil {
		return fmt.Errorf("persisting sandbox: %w", err)
	}

	e.sandbox = sb
	id := sb.ID
	e.session.SandboxID = &id
	if err := r.sessions.Update(ctx, &e.session); err != nil {
		r.logger.Error("session write-through failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Mutate applies fn to the session under its record lock, validates the
// resulting lifecycle transition, and writes the record through to the
// store. The returned session is the committed copy.
//
// fn sees a scratch copy; returning an error discards it. Status may only
// move along the lifecycle graph, and LastActivityAt never moves
// backwards.
func (r *Registry) Mutate(ctx context.Context, id uuid.UUID, fn func(s *console.Session) error) (console.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return console.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.session
	scratch := before
	if err := fn(&scratch); err != nil {
		return console.Session{}, err
	}

	if scratch.Status != before.Status && !before.Status.CanTransition(scratch.Status) {
		return console.Session{}, fmt.Errorf("illegal session transition %s -> %s", before.Status, scratch.Status)
	}
	if scratch.LastActivityAt.Before(before.LastActivityAt) {
		scratch.LastActivityAt = before.LastActivityAt
	}

	e.session = scratch
	if err := r.sessions.Update(ctx, &e.session); err != nil {
		r.logger.Error("session write-through failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	return e.session, nil
}

// SetSandboxStatus records a sandbox status change for the session's
// bound sandbox.
func (r *Registry) SetSandboxStatus(ctx context.Context, sessionID uuid.UUID, status console.SandboxStatus) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sandbox == nil {
		return fmt.Errorf("session %s has no sandbox", sessionID)
	}
	e.sandbox.Status = status
	e.sandbox.LastAccessedAt = time.Now().UTC()
	if err := r.sandboxes.Update(ctx, e.sandbox); err != nil {
		r.logger.Error("sandbox write-through failed",
			slog.String("sandbox_id", e.sandbox.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Remove stops tracking a session. The stored record remains for history.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// ListActive returns copies of the owner's live sessions, most recently
// active first.
func (r *Registry) ListActive(ownerID string) []console.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []console.Session
	for _, e := range r.live {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s.OwnerID == ownerID && s.Status.Live() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// ListLive returns copies of every tracked session, for the reaper.
func (r *Registry) ListLive() []console.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]console.Session, 0, len(r.live))
	for _, e := range r.live {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) entry(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, console.ErrNotFound)
	}
	return e, nil
}
