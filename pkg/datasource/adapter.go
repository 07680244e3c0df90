// Package datasource connects to the target databases questions are asked
// against and runs SQL on them. One Adapter implementation exists per
// supported engine; all of them return the same Result shape.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var returningClause = regexp.MustCompile(`\bRETURNING\b`)

// Kind identifies a database engine.
type Kind string

const (
	KindPostgreSQL Kind = "postgresql"
	KindMySQL      Kind = "mysql"
	KindSQLite     Kind = "sqlite"
)

// Kinds lists every supported engine.
var Kinds = []Kind{KindPostgreSQL, KindMySQL, KindSQLite}

// ParseKind validates a wire value.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", ErrUnsupportedKind
}

var (
	ErrUnsupportedKind = errors.New("Invalid database type")
	ErrNotConnected    = errors.New("database not connected")
)

// CredentialError reports missing connection parameters.
type CredentialError struct {
	Msg string
}

func (e *CredentialError) Error() string { return e.Msg }

// Credentials holds connection parameters. Path is used by SQLite only;
// the network fields by PostgreSQL and MySQL.
type Credentials struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	SSLMode  string `json:"sslMode,omitempty" yaml:"ssl_mode,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Validate checks that the fields kind needs are present.
func (c Credentials) Validate(kind Kind) error {
	switch kind {
	case KindSQLite:
		if c.Path == "" {
			return &CredentialError{Msg: "SQLite path is required"}
		}
	case KindPostgreSQL, KindMySQL:
		if c.Host == "" || c.Database == "" || c.User == "" {
			return &CredentialError{Msg: "Host, database, and user are required for PostgreSQL/MySQL"}
		}
	default:
		return ErrUnsupportedKind
	}
	return nil
}

// Redacted returns a copy safe for logs.
func (c Credentials) Redacted() Credentials {
	if c.Password != "" {
		c.Password = "****"
	}
	return c
}

// Adapter is a live connection to one target database.
type Adapter interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Close() error
	// Execute runs a single SQL statement. The returned Result holds either
	// a row set or mutation metadata; never both.
	Execute(ctx context.Context, sql string) (*Result, error)
	DescribeSchema(ctx context.Context) (*Schema, error)
	TestConnection(ctx context.Context) error
}

// Schema is the table layout handed to the SQL generator.
type Schema struct {
	Tables []Table `json:"tables"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey"`
}

// Mutation is the outcome of a statement that did not return rows.
type Mutation struct {
	RowsAffected int64
	// LastInsertID is nil when the engine does not report one.
	LastInsertID *int64
}

// Result is what Execute returns.
type Result struct {
	Columns  []string
	Rows     []Row
	Mutation *Mutation
}

// IsMutation reports whether the result carries mutation metadata.
func (r *Result) IsMutation() bool {
	return r != nil && r.Mutation != nil
}

func newMutation(affected int64, lastID *int64) *Result {
	return &Result{Mutation: &Mutation{RowsAffected: affected, LastInsertID: lastID}}
}

// returnsRows decides between a query and an exec call on engines whose
// driver cannot report both through one call.
func returnsRows(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, p := range rowPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return returningClause.MatchString(upper)
}

var rowPrefixes = []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN", "PRAGMA", "WITH", "VALUES"}

func errUnsupported(kind Kind) error {
	return fmt.Errorf("unsupported database type: %s", kind)
}
