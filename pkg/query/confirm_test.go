package query

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestConfirmationLifecycle(t *testing.T) {
	c := NewConfirmation()
	if c.State() != StateNone {
		t.Fatalf("initial state = %s", c.State())
	}
	if _, err := c.Accept("x", "y"); !errors.Is(err, ErrNoPendingQuery) {
		t.Errorf("Accept in NONE = %v", err)
	}
	if _, err := c.Cancel(); !errors.Is(err, ErrNoPendingQuery) {
		t.Errorf("Cancel in NONE = %v", err)
	}

	p := c.Propose(PendingQuery{SQL: "DELETE FROM users WHERE id = 5", TargetDatabase: "sqlite", QueryType: "delete"})
	if p.ID == "" || p.CreatedAt.IsZero() {
		t.Errorf("Propose did not fill ID/CreatedAt: %+v", p)
	}
	if c.State() != StatePending {
		t.Errorf("state = %s, want PENDING", c.State())
	}
	if got, ok := c.Pending(); !ok || got.ID != p.ID {
		t.Errorf("Pending() = %+v, %v", got, ok)
	}

	if _, err := c.Accept("DELETE FROM users", "sqlite"); !errors.Is(err, ErrConfirmationMismatch) {
		t.Errorf("mismatched SQL = %v", err)
	}
	if _, err := c.Accept(p.SQL, "mysql"); !errors.Is(err, ErrConfirmationMismatch) {
		t.Errorf("mismatched target = %v", err)
	}
	if c.State() != StatePending {
		t.Errorf("mismatch must keep PENDING, got %s", c.State())
	}

	got, err := c.Accept(p.SQL, "sqlite")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.ID != p.ID || c.State() != StateExecuted {
		t.Errorf("after accept: %+v state %s", got, c.State())
	}
	if _, ok := c.Pending(); ok {
		t.Error("no pending query after accept")
	}
	if _, err := c.Accept(p.SQL, "sqlite"); !errors.Is(err, ErrNoPendingQuery) {
		t.Errorf("second accept = %v", err)
	}
}

func TestConfirmationCancel(t *testing.T) {
	c := NewConfirmation()
	p := c.Propose(PendingQuery{SQL: "DROP TABLE t", TargetDatabase: "sqlite"})
	got, err := c.Cancel()
	if err != nil || got.ID != p.ID {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if c.State() != StateCancelled {
		t.Errorf("state = %s", c.State())
	}
	if _, err := c.Accept(p.SQL, p.TargetDatabase); !errors.Is(err, ErrNoPendingQuery) {
		t.Errorf("accept after cancel = %v", err)
	}
}

func TestConfirmationSupersede(t *testing.T) {
	c := NewConfirmation()
	first := c.Propose(PendingQuery{SQL: "DELETE FROM a", TargetDatabase: "sqlite"})
	second := c.Propose(PendingQuery{SQL: "DELETE FROM b", TargetDatabase: "sqlite"})
	if first.ID == second.ID {
		t.Fatal("ids should differ")
	}
	if _, err := c.Accept("DELETE FROM a", "sqlite"); !errors.Is(err, ErrConfirmationMismatch) {
		t.Errorf("superseded query accepted: %v", err)
	}
	if _, err := c.Accept("DELETE FROM b", "sqlite"); err != nil {
		t.Errorf("latest query rejected: %v", err)
	}
}

func TestConfirmationStore(t *testing.T) {
	s := NewConfirmationStore()
	if _, ok := s.Lookup("c1"); ok {
		t.Error("Lookup should not create")
	}
	a := s.For("c1")
	if s.For("c1") != a {
		t.Error("For should return the same confirmation")
	}
	if s.For("c2") == a {
		t.Error("conversations must be independent")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d", s.Len())
	}
	s.Forget("c1")
	if _, ok := s.Lookup("c1"); ok {
		t.Error("Forget did not remove c1")
	}
}

func TestConfirmationStoreRelease(t *testing.T) {
	s := NewConfirmationStore()
	s.Propose("c1", PendingQuery{SQL: "DELETE FROM t", TargetDatabase: "sqlite"})

	s.Release("c1")
	c, ok := s.Lookup("c1")
	if !ok {
		t.Fatal("Release dropped a pending conversation")
	}
	if _, err := c.Cancel(); err != nil {
		t.Fatal(err)
	}
	s.Release("c1")
	if s.Len() != 0 {
		t.Errorf("Len after release = %d", s.Len())
	}
	s.Release("missing")
}

func TestConfirmationStoreExpire(t *testing.T) {
	s := NewConfirmationStore()
	now := time.Now()
	s.Propose("old", PendingQuery{SQL: "DELETE FROM t", CreatedAt: now.Add(-time.Hour)})
	s.Propose("new", PendingQuery{SQL: "DELETE FROM t", CreatedAt: now})

	if n := s.Expire(now.Add(-time.Minute)); n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if _, ok := s.Lookup("old"); ok {
		t.Error("old proposal kept")
	}
	if _, ok := s.Lookup("new"); !ok {
		t.Error("new proposal dropped")
	}
}

func TestConfirmationConcurrentAccept(t *testing.T) {
	c := NewConfirmation()
	p := c.Propose(PendingQuery{SQL: "DELETE FROM t", TargetDatabase: "sqlite"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Accept(p.SQL, p.TargetDatabase); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("accepted %d times, want exactly once", accepted)
	}
}
