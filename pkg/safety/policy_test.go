package safety

import (
	"reflect"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		mode    Mode
		valid   bool
		confirm bool
		errs    []string
	}{
		{"read-only select", "SELECT * FROM users", ModeReadOnly, true, false, nil},
		{"read-only delete", "DELETE FROM users WHERE id = 5", ModeReadOnly, false, false,
			[]string{"Operation not allowed in READ-ONLY mode: DELETE"}},
		{"read-only drop", "DROP TABLE users", ModeReadOnly, false, false,
			[]string{"Operation not allowed in READ-ONLY mode: DROP"}},
		{"read-only unknown", "WITH x AS (SELECT 1) SELECT * FROM x", ModeReadOnly, false, false,
			[]string{"Query must start with one of: SELECT, SHOW, DESCRIBE, EXPLAIN"}},
		{"safe select", "SELECT 1", ModeSafe, true, false, nil},
		{"safe delete", "DELETE FROM users WHERE id = 5", ModeSafe, true, true, nil},
		{"safe create", "CREATE TABLE t (id INT)", ModeSafe, true, true, nil},
		{"safe unknown", "VACUUM", ModeSafe, true, false, nil},
		{"full-access drop", "DROP TABLE users", ModeFullAccess, true, false, nil},
		{"full-access unknown", "VACUUM", ModeFullAccess, true, false, nil},
		{"bad mode", "SELECT 1", Mode("yolo"), false, false, []string{MsgInvalidMode}},
		{"empty", "  ", ModeFullAccess, false, false, []string{MsgEmptyQuery}},
		{"multi read-only", "SELECT * FROM users; DROP TABLE users", ModeReadOnly, false, false,
			[]string{"Operation not allowed in READ-ONLY mode: DROP", MsgMultipleStatement}},
		{"multi safe", "SELECT * FROM users; DROP TABLE users", ModeSafe, false, false,
			[]string{MsgMultipleStatement}},
		{"multi full-access", "SELECT * FROM users; DROP TABLE users", ModeFullAccess, false, false,
			[]string{MsgMultipleStatement}},
		{"trailing semicolon is one statement", "SELECT 1;", ModeReadOnly, true, false, nil},
	}

	p := NewDefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, v := p.Check(DefaultClassifier, tt.sql, tt.mode)
			if v.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v (errors %v)", v.Valid, tt.valid, v.Errors)
			}
			if v.RequiresConfirmation != tt.confirm {
				t.Errorf("RequiresConfirmation = %v, want %v", v.RequiresConfirmation, tt.confirm)
			}
			if !reflect.DeepEqual(v.Errors, tt.errs) {
				t.Errorf("Errors = %q, want %q", v.Errors, tt.errs)
			}
			if v.QueryType != stmt.QueryType {
				t.Errorf("QueryType = %q, want %q", v.QueryType, stmt.QueryType)
			}
			if !v.Valid && v.RequiresConfirmation {
				t.Error("invalid verdict must not require confirmation")
			}
		})
	}
}

func TestEvaluateConfirmUnknown(t *testing.T) {
	p := NewPolicy(PolicyOptions{ConfirmUnknown: true})
	_, v := p.Check(DefaultClassifier, "VACUUM", ModeSafe)
	if !v.Valid || !v.RequiresConfirmation {
		t.Errorf("got %+v, want valid and requiring confirmation", v)
	}

	// Read-only still rejects rather than asking.
	_, v = p.Check(DefaultClassifier, "VACUUM", ModeReadOnly)
	if v.Valid {
		t.Errorf("got %+v, want invalid", v)
	}
}

func TestEvaluateDeleteQueryType(t *testing.T) {
	_, v := NewDefaultPolicy().Check(DefaultClassifier, "DELETE FROM users WHERE id = 5", ModeSafe)
	if v.QueryType != "delete" {
		t.Errorf("QueryType = %q, want delete", v.QueryType)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"read-only":    ModeReadOnly,
		" SAFE ":       ModeSafe,
		"Full-Access":  ModeFullAccess,
		"admin":        Mode("admin"),
	}
	for in, want := range tests {
		got := ParseMode(in)
		if got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
		if got.Valid() != (want != Mode("admin")) {
			t.Errorf("%q.Valid() = %v", got, got.Valid())
		}
	}
}
