package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	sessions  session.SessionStore
	sandboxes session.SandboxStore
	commands  history.CommandStore
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying GORM DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Sessions() session.SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = NewSessionRepository(s.pgDB.GormDB())
	}
	return s.sessions
}

func (s *Store) Sandboxes() session.SandboxStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxes == nil {
		s.sandboxes = NewSandboxRepository(s.pgDB.GormDB())
	}
	return s.sandboxes
}

func (s *Store) Commands() history.CommandStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commands == nil {
		s.commands = NewCommandRepository(s.pgDB.GormDB())
	}
	return s.commands
}
