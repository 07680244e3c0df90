// Package db stores the query history.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
)

// DBType represents the database type
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
	DBTypeMariaDB  DBType = "mariadb"
	DBTypeMySQL    DBType = "mysql"
)

// DBConfig holds database configuration
type DBConfig struct {
	Type     DBType `json:"type"`     // sqlite, postgres, mariadb, mysql
	Host     string `json:"host"`     // Database host
	Port     int    `json:"port"`     // Database port
	Database string `json:"database"` // Database name
	Username string `json:"username"` // Database username
	Password string `json:"password"` // Database password
	SSLMode  string `json:"sslMode"`  // SSL mode (for postgres)
	Path     string `json:"path"`     // SQLite file path
}

// Store is an open history database.
type Store struct {
	db     *sql.DB
	dbType DBType
}

// Open initializes the SQLite store at dbPath.
func Open(dbPath string) (*Store, error) {
	return OpenWithConfig(context.Background(), DBConfig{
		Type: DBTypeSQLite,
		Path: dbPath,
	})
}

// OpenWithConfig connects, pings and creates the schema.
func OpenWithConfig(ctx context.Context, cfg DBConfig) (*Store, error) {
	var db *sql.DB
	var err error

	dbType := cfg.Type
	if dbType == "" {
		dbType = DBTypeSQLite
	}

	switch dbType {
	case DBTypeSQLite:
		db, err = initSQLite(cfg.Path)
	case DBTypePostgres:
		db, err = initPostgres(cfg)
	case DBTypeMariaDB, DBTypeMySQL:
		db, err = initMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dbType: dbType}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("history store ready (%s)", dbType)
	return s, nil
}

func initSQLite(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func initPostgres(cfg DBConfig) (*sql.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.Username, cfg.Password, cfg.Database, sslMode)

	return sql.Open("postgres", dsn)
}

func initMySQL(cfg DBConfig) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	// Format: user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database)

	return sql.Open("mysql", dsn)
}

// Type returns the store's engine.
func (s *Store) Type() DBType {
	return s.dbType
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dbType != DBTypePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) createTables(ctx context.Context) error {
	var historyQuery string
	switch s.dbType {
	case DBTypePostgres:
		historyQuery = `
		CREATE TABLE IF NOT EXISTS query_history (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			conversation_id VARCHAR(64) DEFAULT '',
			target_database VARCHAR(255) DEFAULT '',
			question TEXT DEFAULT '',
			sql_text TEXT DEFAULT '',
			mode VARCHAR(20) DEFAULT '',
			query_type VARCHAR(50) DEFAULT '',
			status VARCHAR(20) DEFAULT '',
			row_count INTEGER DEFAULT 0,
			affected_rows BIGINT,
			error_msg TEXT DEFAULT ''
		);`
	case DBTypeMariaDB, DBTypeMySQL:
		historyQuery = `
		CREATE TABLE IF NOT EXISTS query_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			conversation_id VARCHAR(64) DEFAULT '',
			target_database VARCHAR(255) DEFAULT '',
			question TEXT,
			sql_text TEXT,
			mode VARCHAR(20) DEFAULT '',
			query_type VARCHAR(50) DEFAULT '',
			status VARCHAR(20) DEFAULT '',
			row_count INTEGER DEFAULT 0,
			affected_rows BIGINT,
			error_msg TEXT
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`
	default: // SQLite
		historyQuery = `
		CREATE TABLE IF NOT EXISTS query_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			conversation_id TEXT DEFAULT '',
			target_database TEXT DEFAULT '',
			question TEXT DEFAULT '',
			sql_text TEXT DEFAULT '',
			mode TEXT DEFAULT '',
			query_type TEXT DEFAULT '',
			status TEXT DEFAULT '',
			row_count INTEGER DEFAULT 0,
			affected_rows INTEGER,
			error_msg TEXT DEFAULT ''
		);`
	}
	if _, err := s.db.ExecContext(ctx, historyQuery); err != nil {
		return fmt.Errorf("failed to create query_history table: %w", err)
	}

	for _, q := range s.indexQueries() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; a rerun reports a duplicate.
			log.Debugf("index skipped: %v", err)
		}
	}
	return nil
}

func (s *Store) indexQueries() []string {
	switch s.dbType {
	case DBTypeMariaDB, DBTypeMySQL:
		return []string{
			"CREATE INDEX idx_history_timestamp ON query_history(timestamp DESC);",
			"CREATE INDEX idx_history_conversation ON query_history(conversation_id);",
		}
	default:
		return []string{
			"CREATE INDEX IF NOT EXISTS idx_history_timestamp ON query_history(timestamp DESC);",
			"CREATE INDEX IF NOT EXISTS idx_history_conversation ON query_history(conversation_id);",
		}
	}
}
