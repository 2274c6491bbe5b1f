package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// fakeSessionStore is an in-memory SessionStore for tests.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]console.Session
	failNext error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]console.Session)}
}

func (f *fakeSessionStore) Create(_ context.Context, s *console.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeSessionStore) Update(_ context.Context, s *console.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, id uuid.UUID) (*console.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, console.ErrNotFound)
	}
	return &s, nil
}

func (f *fakeSessionStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]console.Session, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []console.Session
	for _, s := range f.sessions {
		if s.OwnerID == ownerID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (f *fakeSessionStore) ListLive(_ context.Context) ([]console.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []console.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) stored(t *testing.T, id uuid.UUID) console.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		t.Fatalf("session %s not in store", id)
	}
	return s
}

// fakeSandboxStore is an in-memory SandboxStore for tests.
type fakeSandboxStore struct {
	mu        sync.Mutex
	sandboxes map[uuid.UUID]console.Sandbox
}

func newFakeSandboxStore() *fakeSandboxStore {
	return &fakeSandboxStore{sandboxes: make(map[uuid.UUID]console.Sandbox)}
}

func (f *fakeSandboxStore) Create(_ context.Context, sb *console.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sb.ID] = *sb
	return nil
}

func (f *fakeSandboxStore) Update(_ context.Context, sb *console.Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sb.ID] = *sb
	return nil
}

func (f *fakeSandboxStore) Get(_ context.Context, id uuid.UUID) (*console.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, console.ErrNotFound)
	}
	return &sb, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSessionStore, *fakeSandboxStore) {
	t.Helper()
	sessions := newFakeSessionStore()
	sandboxes := newFakeSandboxStore()
	return NewRegistry(sessions, sandboxes, testLogger()), sessions, sandboxes
}

func newTestSession(ownerID string, status console.SessionStatus) *console.Session {
	now := time.Now().UTC()
	return &console.Session{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Type:           console.SessionInteractive,
		Status:         status,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	sess := newTestSession("alice", console.StatusInitializing)
	if err := reg.Add(ctx, sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := reg.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != "alice" || got.Status != console.StatusInitializing {
		t.Errorf("got %+v", got)
	}
	if stored := store.stored(t, sess.ID); stored.ID != sess.ID {
		t.Errorf("store copy mismatch")
	}
}

func TestRegistry_GetFallsBackToStore(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	sess := newTestSession("alice", console.StatusTerminated)
	store.sessions[sess.ID] = *sess

	got, err := reg.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != console.StatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
}

func TestRegistry_MutateValidatesTransition(t *testing.T) {
	tests := []struct {
		from, to console.SessionStatus
		wantErr  bool
	}{
		{console.StatusInitializing, console.StatusActive, false},
		{console.StatusInitializing, console.StatusTerminated, false},
		{console.StatusActive, console.StatusPaused, false},
		{console.StatusActive, console.StatusDisconnected, false},
		{console.StatusActive, console.StatusError, false},
		{console.StatusPaused, console.StatusActive, false},
		{console.StatusDisconnected, console.StatusActive, false},
		{console.StatusError, console.StatusTerminated, false},
		{console.StatusInitializing, console.StatusPaused, true},
		{console.StatusPaused, console.StatusDisconnected, true},
		{console.StatusError, console.StatusActive, true},
		{console.StatusTerminated, console.StatusActive, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			reg, _, _ := newTestRegistry(t)
			ctx := context.Background()
			sess := newTestSession("alice", tc.from)
			if err := reg.Add(ctx, sess); err != nil {
				t.Fatalf("Add: %v", err)
			}

			_, err := reg.Mutate(ctx, sess.ID, func(s *console.Session) error {
				s.Status = tc.to
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Errorf("Mutate err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				got, _ := reg.Get(ctx, sess.ID)
				if got.Status != tc.from {
					t.Errorf("rejected mutation leaked: status = %s", got.Status)
				}
			}
		})
	}
}

func TestRegistry_MutateKeepsActivityMonotonic(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	sess := newTestSession("alice", console.StatusActive)
	if err := reg.Add(ctx, sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := reg.Mutate(ctx, sess.ID, func(s *console.Session) error {
		s.LastActivityAt = s.LastActivityAt.Add(-time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got.LastActivityAt.Before(sess.LastActivityAt) {
		t.Errorf("LastActivityAt moved backwards: %v", got.LastActivityAt)
	}
}

func TestRegistry_BindSandboxOnce(t *testing.T) {
	reg, _, sandboxes := newTestRegistry(t)
	ctx := context.Background()
	sess := newTestSession("alice", console.StatusInitializing)
	if err := reg.Add(ctx, sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sb := &console.Sandbox{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Handle:    "box-1",
		Status:    console.SandboxRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := reg.BindSandbox(ctx, sess.ID, sb); err != nil {
		t.Fatalf("BindSandbox: %v", err)
	}

	got, _ := reg.Get(ctx, sess.ID)
	if got.SandboxID == nil || *got.SandboxID != sb.ID {
		t.Fatalf("SandboxID not bound: %v", got.SandboxID)
	}
	if _, err := sandboxes.Get(ctx, sb.ID); err != nil {
		t.Errorf("sandbox not persisted: %v", err)
	}

	second := &console.Sandbox{ID: uuid.New(), SessionID: sess.ID, Handle: "box-2"}
	if err := reg.BindSandbox(ctx, sess.ID, second); err == nil {
		t.Error("binding a second sandbox should fail")
	}
}

func TestRegistry_ListActiveFiltersAndSorts(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	older := newTestSession("alice", console.StatusActive)
	older.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	newer := newTestSession("alice", console.StatusPaused)
	ended := newTestSession("alice", console.StatusTerminated)
	foreign := newTestSession("bob", console.StatusActive)
	for _, s := range []*console.Session{older, newer, ended, foreign} {
		if err := reg.Add(ctx, s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got := reg.ListActive("alice")
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	if got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Errorf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestRegistry_RemoveStopsTracking(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	sess := newTestSession("alice", console.StatusActive)
	if err := reg.Add(ctx, sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reg.Remove(sess.ID)
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
	// The stored record survives for history.
	if _, err := reg.Get(ctx, sess.ID); err != nil {
		t.Errorf("Get after Remove: %v", err)
	}
}
