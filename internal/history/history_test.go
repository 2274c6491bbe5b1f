package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/console"
)

// fakeCommandStore is an in-memory CommandStore for tests.
type fakeCommandStore struct {
	mu       sync.Mutex
	commands map[uuid.UUID]console.Command
	purged   []time.Time
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{commands: make(map[uuid.UUID]console.Command)}
}

func (f *fakeCommandStore) Create(_ context.Context, cmd *console.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[cmd.ID] = *cmd
	return nil
}

func (f *fakeCommandStore) Update(_ context.Context, cmd *console.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[cmd.ID] = *cmd
	return nil
}

func (f *fakeCommandStore) Get(_ context.Context, id uuid.UUID) (*console.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, console.ErrNotFound)
	}
	return &cmd, nil
}

func (f *fakeCommandStore) bySession(sessionID uuid.UUID) []console.Command {
	var out []console.Command
	for _, cmd := range f.commands {
		if cmd.SessionID == sessionID {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (f *fakeCommandStore) ListBySession(_ context.Context, sessionID uuid.UUID, limit, offset int) ([]console.Command, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.bySession(sessionID)
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

func (f *fakeCommandStore) Search(_ context.Context, ownerID string, q SearchQuery) ([]console.Command, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []console.Command
	for _, cmd := range f.commands {
		if cmd.OwnerID != ownerID {
			continue
		}
		if q.SessionID != nil && cmd.SessionID != *q.SessionID {
			continue
		}
		if q.Text != "" && !strings.Contains(cmd.Text, q.Text) {
			continue
		}
		if q.Status != "" && cmd.Status != q.Status {
			continue
		}
		if q.Type != "" && cmd.Type != q.Type {
			continue
		}
		all = append(all, cmd)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := int64(len(all))
	if q.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[q.Offset:]
	if q.Limit < len(all) {
		all = all[:q.Limit]
	}
	return all, total, nil
}

func (f *fakeCommandStore) Stats(_ context.Context, ownerID string, q StatsQuery) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &Stats{ByStatus: make(map[string]int64), ByType: make(map[string]int64)}
	var durTotal, durCount, completed int64
	byText := make(map[string]int64)
	for _, cmd := range f.commands {
		if cmd.OwnerID != ownerID {
			continue
		}
		if q.SessionID != nil && cmd.SessionID != *q.SessionID {
			continue
		}
		if q.Since != nil && cmd.StartedAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && cmd.StartedAt.After(*q.Until) {
			continue
		}
		stats.Total++
		stats.ByStatus[string(cmd.Status)]++
		stats.ByType[string(cmd.Type)]++
		byText[cmd.Text]++
		if cmd.Status == console.CommandCompleted {
			completed++
		}
		if cmd.DurationMs != nil {
			durTotal += *cmd.DurationMs
			durCount++
		}
	}
	for text, count := range byText {
		stats.TopCommands = append(stats.TopCommands, CommandCount{Text: text, Count: count})
	}
	sort.Slice(stats.TopCommands, func(i, j int) bool {
		if stats.TopCommands[i].Count != stats.TopCommands[j].Count {
			return stats.TopCommands[i].Count > stats.TopCommands[j].Count
		}
		return stats.TopCommands[i].Text < stats.TopCommands[j].Text
	})
	if durCount > 0 {
		stats.AvgDurationMs = float64(durTotal) / float64(durCount)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(completed) / float64(stats.Total)
	}
	return stats, nil
}

func (f *fakeCommandStore) DeleteBySession(_ context.Context, sessionID uuid.UUID, before *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, cmd := range f.commands {
		if cmd.SessionID != sessionID {
			continue
		}
		if before != nil && !cmd.StartedAt.Before(*before) {
			continue
		}
		delete(f.commands, id)
		n++
	}
	return n, nil
}

func (f *fakeCommandStore) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, cutoff)
	return 0, nil
}

// fakeSessionLookup resolves sessions by ID.
type fakeSessionLookup struct {
	sessions map[uuid.UUID]console.Session
}

func (f *fakeSessionLookup) Get(_ context.Context, id uuid.UUID) (*console.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, console.ErrNotFound)
	}
	return &s, nil
}

type logFixture struct {
	log      *Log
	store    *fakeCommandStore
	lookup   *fakeSessionLookup
	session  console.Session
	sessions map[uuid.UUID]console.Session
}

func newLogFixture(t *testing.T) *logFixture {
	t.Helper()
	store := newFakeCommandStore()
	sess := console.Session{
		ID:      uuid.New(),
		OwnerID: "alice",
		Type:    console.SessionInteractive,
		Status:  console.StatusActive,
	}
	lookup := &fakeSessionLookup{sessions: map[uuid.UUID]console.Session{sess.ID: sess}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &logFixture{
		log:      NewLog(store, lookup, logger),
		store:    store,
		lookup:   lookup,
		session:  sess,
		sessions: lookup.sessions,
	}
}

func (f *logFixture) addCommand(t *testing.T, text string, status console.CommandStatus, offset time.Duration) console.Command {
	t.Helper()
	exit := 0
	if status != console.CommandCompleted {
		exit = 1
	}
	dur := int64(12)
	cmd := console.Command{
		ID:         uuid.New(),
		SessionID:  f.session.ID,
		OwnerID:    f.session.OwnerID,
		Type:       console.CommandExternal,
		Status:     status,
		Text:       text,
		StartedAt:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Add(offset),
		DurationMs: &dur,
		Output:     &console.CommandOutput{Stdout: "out\n", ExitCode: &exit},
	}
	if err := f.log.Append(context.Background(), &cmd); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return cmd
}

func TestLog_CommandHistoryOrderedOldestFirst(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "second", console.CommandCompleted, time.Minute)
	f.addCommand(t, "first", console.CommandCompleted, 0)

	got, total, err := f.log.CommandHistory(context.Background(), "alice", f.session.ID, 10, 0)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("total = %d, len = %d", total, len(got))
	}
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("wrong order: %s, %s", got[0].Text, got[1].Text)
	}
}

func TestLog_OwnershipHidesForeignSessions(t *testing.T) {
	f := newLogFixture(t)
	ctx := context.Background()

	if _, _, err := f.log.CommandHistory(ctx, "mallory", f.session.ID, 10, 0); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("CommandHistory: err = %v, want not-found", err)
	}
	if _, err := f.log.Clear(ctx, "mallory", f.session.ID, nil); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("Clear: err = %v, want not-found", err)
	}
	if err := f.log.Export(ctx, "mallory", f.session.ID, FormatJSON, io.Discard); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("Export: err = %v, want not-found", err)
	}
	sid := f.session.ID
	if _, _, err := f.log.Search(ctx, "mallory", SearchQuery{SessionID: &sid}); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("Search: err = %v, want not-found", err)
	}
}

func TestLog_SearchFilters(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "git status", console.CommandCompleted, 0)
	f.addCommand(t, "git push", console.CommandFailed, time.Minute)
	f.addCommand(t, "ls -la", console.CommandCompleted, 2*time.Minute)

	got, total, err := f.log.Search(context.Background(), "alice", SearchQuery{Text: "git"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	// Newest first.
	if got[0].Text != "git push" {
		t.Errorf("got[0] = %s, want git push", got[0].Text)
	}

	_, total, err = f.log.Search(context.Background(), "alice", SearchQuery{Status: console.CommandFailed})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 {
		t.Errorf("failed total = %d, want 1", total)
	}
}

func TestLog_Stats(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "ok1", console.CommandCompleted, 0)
	f.addCommand(t, "ok2", console.CommandCompleted, time.Minute)
	f.addCommand(t, "bad", console.CommandFailed, 2*time.Minute)

	stats, err := f.log.Stats(context.Background(), "alice", StatsQuery{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["completed"] != 2 || stats.ByStatus["failed"] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if want := 2.0 / 3.0; stats.SuccessRate != want {
		t.Errorf("SuccessRate = %f, want %f", stats.SuccessRate, want)
	}
}

func TestLog_StatsTimeRange(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "early", console.CommandCompleted, 0)
	f.addCommand(t, "mid", console.CommandCompleted, time.Hour)
	f.addCommand(t, "late", console.CommandFailed, 2*time.Hour)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	since := base.Add(30 * time.Minute)
	until := base.Add(90 * time.Minute)

	stats, err := f.log.Stats(context.Background(), "alice", StatsQuery{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
	if stats.ByStatus["completed"] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
}

func TestLog_StatsTopCommands(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "git status", console.CommandCompleted, 0)
	f.addCommand(t, "git status", console.CommandCompleted, time.Minute)
	f.addCommand(t, "ls", console.CommandCompleted, 2*time.Minute)

	stats, err := f.log.Stats(context.Background(), "alice", StatsQuery{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats.TopCommands) != 2 {
		t.Fatalf("TopCommands = %v", stats.TopCommands)
	}
	if stats.TopCommands[0].Text != "git status" || stats.TopCommands[0].Count != 2 {
		t.Errorf("TopCommands[0] = %+v, want git status x2", stats.TopCommands[0])
	}
}

func TestLog_Clear(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "a", console.CommandCompleted, 0)
	f.addCommand(t, "b", console.CommandCompleted, time.Minute)

	n, err := f.log.Clear(context.Background(), "alice", f.session.ID, nil)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	_, total, _ := f.log.CommandHistory(context.Background(), "alice", f.session.ID, 10, 0)
	if total != 0 {
		t.Errorf("total after clear = %d", total)
	}
}

func TestLog_ClearBeforeDate(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "old", console.CommandCompleted, 0)
	f.addCommand(t, "recent", console.CommandCompleted, time.Hour)

	before := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	n, err := f.log.Clear(context.Background(), "alice", f.session.ID, &before)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	got, total, err := f.log.CommandHistory(context.Background(), "alice", f.session.ID, 10, 0)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if total != 1 || got[0].Text != "recent" {
		t.Errorf("survivors = %d (%v), want only recent", total, got)
	}
}

func TestExport_JSON(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "echo hi", console.CommandCompleted, 0)
	f.addCommand(t, "false", console.CommandFailed, time.Minute)

	var buf bytes.Buffer
	if err := f.log.Export(context.Background(), "alice", f.session.ID, FormatJSON, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var got []console.Command
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 2 {
		t.Fatalf("got %d commands, want 2", len(got))
	}
	if got[0].Text != "echo hi" || got[1].Text != "false" {
		t.Errorf("wrong order: %s, %s", got[0].Text, got[1].Text)
	}
}

func TestExport_JSONEmptyHistory(t *testing.T) {
	f := newLogFixture(t)

	var buf bytes.Buffer
	if err := f.log.Export(context.Background(), "alice", f.session.ID, FormatJSON, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	var got []console.Command
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 0 {
		t.Errorf("got %d commands, want 0", len(got))
	}
}

func TestExport_Text(t *testing.T) {
	f := newLogFixture(t)
	cmd := f.addCommand(t, "echo hi", console.CommandCompleted, 0)
	cmd.Output.Stderr = "warning: something\n"
	if err := f.log.Finalize(context.Background(), &cmd); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var buf bytes.Buffer
	if err := f.log.Export(context.Background(), "alice", f.session.ID, FormatText, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"$ echo hi", "status=completed", "exit=0", "out\n", "! warning: something"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExport_CSV(t *testing.T) {
	f := newLogFixture(t)
	f.addCommand(t, "echo hi", console.CommandCompleted, 0)

	var buf bytes.Buffer
	if err := f.log.Export(context.Background(), "alice", f.session.ID, FormatCSV, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	if rows[0][0] != "id" || rows[0][4] != "text" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][4] != "echo hi" || rows[1][3] != "completed" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"TXT", FormatText, false},
		{" csv ", FormatCSV, false},
		{"", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tc := range tests {
		got, err := ParseExportFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseExportFormat(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseExportFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRetentionPolicy_Purge(t *testing.T) {
	store := newFakeCommandStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy, err := NewRetentionPolicy(store, "0 3 * * *", 30*24*time.Hour, logger)
	if err != nil {
		t.Fatalf("NewRetentionPolicy: %v", err)
	}

	policy.Purge(context.Background())
	if len(store.purged) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(store.purged))
	}
	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if diff := store.purged[0].Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want ~%v", store.purged[0], wantCutoff)
	}
}

func TestRetentionPolicy_RejectsBadSchedule(t *testing.T) {
	store := newFakeCommandStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewRetentionPolicy(store, "not a schedule", time.Hour, logger); err == nil {
		t.Error("bad schedule accepted")
	}
}
