// Package history is the durable command log: every command a session
// runs is recorded here, queryable per session and per owner, with
// search, aggregate stats, export, and retention-driven purging.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// SearchQuery filters an owner's command history.
type SearchQuery struct {
	Text      string                // Substring match on command text.
	SessionID *uuid.UUID            // Restrict to one session.
	Status    console.CommandStatus // Empty = any.
	Type      console.CommandType   // Empty = any.
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// StatsQuery scopes a stats aggregation. All fields are optional.
type StatsQuery struct {
	SessionID *uuid.UUID // Restrict to one session.
	Since     *time.Time
	Until     *time.Time
}

// Stats aggregates an owner's command history.
type Stats struct {
	Total         int64            `json:"total"`
	ByStatus      map[string]int64 `json:"by_status"`
	ByType        map[string]int64 `json:"by_type"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	SuccessRate   float64          `json:"success_rate"`
	TopCommands   []CommandCount   `json:"top_commands,omitempty"`
}

// CommandCount is one entry in the most-used-commands breakdown.
type CommandCount struct {
	Text  string `json:"text"`
	Count int64  `json:"count"`
}

// CommandStore persists command records.
type CommandStore interface {
	Create(ctx context.Context, cmd *console.Command) error
	Update(ctx context.Context, cmd *console.Command) error
	Get(ctx context.Context, id uuid.UUID) (*console.Command, error)
	// ListBySession returns a session's commands oldest-first with the
	// total count.
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]console.Command, int64, error)
	// Search returns the owner's commands newest-first with the total
	// count of matches.
	Search(ctx context.Context, ownerID string, q SearchQuery) ([]console.Command, int64, error)
	Stats(ctx context.Context, ownerID string, q StatsQuery) (*Stats, error)
	// DeleteBySession removes a session's commands, returning how many.
	// A non-nil before deletes only commands started before that time.
	DeleteBySession(ctx context.Context, sessionID uuid.UUID, before *time.Time) (int64, error)
	// DeleteTerminatedBefore removes commands belonging to terminated
	// sessions that ended before the cutoff, returning how many.
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionLookup resolves sessions for ownership checks.
type SessionLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*console.Session, error)
}

// Log is the command history service. Ownership is enforced on every
// read and delete; sessions belonging to someone else surface as
// not-found.
type Log struct {
	commands CommandStore
	sessions SessionLookup
	logger   *slog.Logger
}

// NewLog creates the command log.
func NewLog(commands CommandStore, sessions SessionLookup, logger *slog.Logger) *Log {
	return &Log{commands: commands, sessions: sessions, logger: logger}
}

// Append records a freshly dispatched command.
func (l *Log) Append(ctx context.Context, cmd *console.Command) error {
	return l.commands.Create(ctx, cmd)
}

// Finalize updates the record once the command reached a terminal status.
func (l *Log) Finalize(ctx context.Context, cmd *console.Command) error {
	return l.commands.Update(ctx, cmd)
}

// CommandHistory returns a session's commands oldest-first.
func (l *Log) CommandHistory(ctx context.Context, ownerID string, sessionID uuid.UUID, limit, offset int) ([]console.Command, int64, error) {
	if err := l.checkOwner(ctx, ownerID, sessionID); err != nil {
		return nil, 0, err
	}
	limit, offset = clampPage(limit, offset)
	return l.commands.ListBySession(ctx, sessionID, limit, offset)
}

// Search queries the owner's command history across sessions.
func (l *Log) Search(ctx context.Context, ownerID string, q SearchQuery) ([]console.Command, int64, error) {
	if q.SessionID != nil {
		if err := l.checkOwner(ctx, ownerID, *q.SessionID); err != nil {
			return nil, 0, err
		}
	}
	q.Limit, q.Offset = clampPage(q.Limit, q.Offset)
	return l.commands.Search(ctx, ownerID, q)
}

// Stats aggregates the owner's commands, optionally scoped to one
// session and a time range.
func (l *Log) Stats(ctx context.Context, ownerID string, q StatsQuery) (*Stats, error) {
	if q.SessionID != nil {
		if err := l.checkOwner(ctx, ownerID, *q.SessionID); err != nil {
			return nil, err
		}
	}
	return l.commands.Stats(ctx, ownerID, q)
}

// Clear deletes a session's command history, returning how many records
// were removed. A non-nil before keeps commands started at or after it.
func (l *Log) Clear(ctx context.Context, ownerID string, sessionID uuid.UUID, before *time.Time) (int64, error) {
	if err := l.checkOwner(ctx, ownerID, sessionID); err != nil {
		return 0, err
	}
	n, err := l.commands.DeleteBySession(ctx, sessionID, before)
	if err != nil {
		return 0, err
	}
	l.logger.Info("command history cleared",
		slog.String("session_id", sessionID.String()),
		slog.Int64("deleted", n),
	)
	return n, nil
}

func (l *Log) checkOwner(ctx context.Context, ownerID string, sessionID uuid.UUID) error {
	sess, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerID != ownerID {
		return fmt.Errorf("session %s: %w", sessionID, console.ErrNotFound)
	}
	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
