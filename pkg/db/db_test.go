package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SQLite(t *testing.T) {
	s := newTestStore(t)

	if s.Type() != DBTypeSQLite {
		t.Errorf("Type() = %v, want %v", s.Type(), DBTypeSQLite)
	}

	var tableName string
	row := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='query_history'")
	if err := row.Scan(&tableName); err != nil {
		t.Errorf("query_history table not created: %v", err)
	}
}

func TestOpenWithConfig_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	for i := 0; i < 2; i++ {
		s, err := OpenWithConfig(context.Background(), DBConfig{Path: path})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

func TestOpenWithConfig_Errors(t *testing.T) {
	if _, err := OpenWithConfig(context.Background(), DBConfig{Type: "oracle"}); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := OpenWithConfig(context.Background(), DBConfig{Type: DBTypeSQLite}); err == nil {
		t.Error("expected error for empty sqlite path")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dbType: DBTypePostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Store{dbType: DBTypeSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	three := int64(3)

	entries := []HistoryEntry{
		{Timestamp: base, ConversationID: "c1", TargetDatabase: "sqlite", Question: "list users",
			SQL: "SELECT * FROM users", Mode: "read-only", QueryType: "select", Status: StatusExecuted, RowCount: 2},
		{Timestamp: base.Add(time.Minute), ConversationID: "c1", TargetDatabase: "sqlite",
			SQL: "DELETE FROM users", Mode: "safe", QueryType: "delete", Status: StatusPending},
		{Timestamp: base.Add(2 * time.Minute), ConversationID: "c2", TargetDatabase: "mysql",
			SQL: "UPDATE t SET a = 1", QueryType: "update", Status: StatusExecuted, AffectedRows: &three},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].SQL != "UPDATE t SET a = 1" {
		t.Errorf("newest first: got %q", got[0].SQL)
	}
	if got[0].AffectedRows == nil || *got[0].AffectedRows != 3 {
		t.Errorf("AffectedRows = %v", got[0].AffectedRows)
	}
	if got[1].AffectedRows != nil {
		t.Errorf("pending entry should have nil AffectedRows")
	}
	if !got[2].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got[2].Timestamp, base)
	}
	if got[2].Question != "list users" || got[2].RowCount != 2 {
		t.Errorf("entry = %+v", got[2])
	}

	byConv, err := s.Recent(ctx, HistoryFilter{ConversationID: "c1"})
	if err != nil || len(byConv) != 2 {
		t.Errorf("conversation filter = %d entries, err %v", len(byConv), err)
	}
	byStatus, err := s.Recent(ctx, HistoryFilter{Status: StatusPending})
	if err != nil || len(byStatus) != 1 || byStatus[0].QueryType != "delete" {
		t.Errorf("status filter = %+v, err %v", byStatus, err)
	}
	limited, err := s.Recent(ctx, HistoryFilter{Limit: 1, TargetDatabase: "sqlite"})
	if err != nil || len(limited) != 1 || limited[0].SQL != "DELETE FROM users" {
		t.Errorf("limit+db filter = %+v, err %v", limited, err)
	}
}

func TestRecentEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Recent(context.Background(), HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent on empty store = %#v, want empty slice", got)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.Record(context.Background(), HistoryEntry{}); err != nil {
		t.Error(err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}

func TestPurgeAndRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{0, 24 * time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		if err := s.Record(ctx, HistoryEntry{Timestamp: now.Add(-age), SQL: "SELECT 1", Status: StatusExecuted}); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewRetention(s, 7, "@daily")
	if err != nil {
		t.Fatalf("NewRetention: %v", err)
	}
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	left, _ := s.Recent(ctx, HistoryFilter{})
	if len(left) != 2 {
		t.Errorf("remaining = %d, want 2", len(left))
	}
}

func TestNewRetentionValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := NewRetention(s, 0, "@daily"); err == nil {
		t.Error("zero days should fail")
	}
	if _, err := NewRetention(s, 1, "not a schedule"); err == nil {
		t.Error("bad schedule should fail")
	}
	r, err := NewRetention(s, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}
