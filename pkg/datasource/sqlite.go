package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is the adapter for a local SQLite file.
type SQLite struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLite creates an unconnected adapter for the file at path.
func NewSQLite(creds Credentials) *SQLite {
	return &SQLite{path: creds.Path}
}

func (s *SQLite) Kind() Kind { return KindSQLite }

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

// Connect opens the file, creating it and its directory when missing.
func (s *SQLite) Connect(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.path))
	if err != nil {
		return err
	}
	// A single writer keeps WAL semantics simple.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *SQLite) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLite) Execute(ctx context.Context, query string) (*Result, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return execSQL(ctx, db, query)
}

func (s *SQLite) DescribeSchema(ctx context.Context) (*Schema, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	names, err := queryStrings(ctx, db, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}}
	for _, name := range names {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLiteIdent(name)))
		if err != nil {
			return nil, err
		}
		table := Table{Name: name, Columns: []Column{}}
		for rows.Next() {
			var (
				cid     int
				colName string
				colType string
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				rows.Close()
				return nil, err
			}
			table.Columns = append(table.Columns, Column{
				Name:       colName,
				Type:       colType,
				Nullable:   notNull == 0,
				PrimaryKey: pk > 0,
			})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

func (s *SQLite) TestConnection(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
