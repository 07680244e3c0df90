package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

const defaultMySQLPort = 3306

// MySQL is the adapter for MySQL and MariaDB servers.
type MySQL struct {
	creds Credentials

	mu sync.RWMutex
	db *sql.DB
}

func NewMySQL(creds Credentials) *MySQL {
	return &MySQL{creds: creds}
}

func (m *MySQL) Kind() Kind { return KindMySQL }

func (m *MySQL) dsn() string {
	cfg := mysql.NewConfig()
	port := m.creds.Port
	if port == 0 {
		port = defaultMySQLPort
	}
	cfg.User = m.creds.User
	cfg.Passwd = m.creds.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.creds.Host, strconv.Itoa(port))
	cfg.DBName = m.creds.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func (m *MySQL) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", m.dsn())
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(30 * time.Second)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	m.mu.Lock()
	old := m.db
	m.db = db
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (m *MySQL) handle() (*sql.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, ErrNotConnected
	}
	return m.db, nil
}

func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *MySQL) Execute(ctx context.Context, query string) (*Result, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}
	return execSQL(ctx, db, query)
}

func (m *MySQL) DescribeSchema(ctx context.Context) (*Schema, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}

	names, err := queryStrings(ctx, db, "SHOW TABLES")
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}}
	for _, name := range names {
		res, err := execSQL(ctx, db, fmt.Sprintf("SHOW COLUMNS FROM %s", quoteMySQLIdent(name)))
		if err != nil {
			return nil, err
		}
		table := Table{Name: name, Columns: []Column{}}
		for _, row := range res.Rows {
			table.Columns = append(table.Columns, Column{
				Name:       textOf(row, "Field"),
				Type:       textOf(row, "Type"),
				Nullable:   textOf(row, "Null") == "YES",
				PrimaryKey: textOf(row, "Key") == "PRI",
			})
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

func (m *MySQL) TestConnection(ctx context.Context) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func textOf(row Row, column string) string {
	v, ok := row.Get(column)
	if !ok {
		return ""
	}
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueBinary:
		return string(v.Bytes)
	case ValueNumber:
		return v.Num
	}
	return ""
}
