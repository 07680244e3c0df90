package datasource

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPostgresPort = 5432
	postgresPoolSize    = 10
	postgresDialTimeout = 10 * time.Second
)

// Postgres is the adapter for PostgreSQL, backed by a pgx pool.
type Postgres struct {
	creds Credentials

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

func NewPostgres(creds Credentials) *Postgres {
	return &Postgres{creds: creds}
}

func (p *Postgres) Kind() Kind { return KindPostgreSQL }

func (p *Postgres) connString() string {
	port := p.creds.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := p.creds.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.creds.User, p.creds.Password),
		Host:     net.JoinHostPort(p.creds.Host, strconv.Itoa(port)),
		Path:     "/" + p.creds.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

func (p *Postgres) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.connString())
	if err != nil {
		return fmt.Errorf("invalid postgres connection settings: %w", err)
	}
	cfg.MaxConns = postgresPoolSize
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = postgresDialTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}

	p.mu.Lock()
	old := p.pool
	p.pool = pool
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (p *Postgres) handle() (*pgxpool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	return p.pool, nil
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// Execute always goes through Query. A statement without a row description
// is a mutation and its count comes from the command tag.
func (p *Postgres) Execute(ctx context.Context, query string) (*Result, error) {
	pool, err := p.handle()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	typeNames := make([]string, len(fds))
	typeMap := conn.Conn().TypeMap()
	for i, fd := range fds {
		cols[i] = fd.Name
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeNames[i] = t.Name
		}
	}

	res := &Result{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, err
		}
		vals := make([]Value, len(raw))
		for i, v := range raw {
			vals[i] = fromDriver(v, typeNames[i])
		}
		res.Rows = append(res.Rows, Row{Columns: cols, Values: vals})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(fds) == 0 {
		return newMutation(rows.CommandTag().RowsAffected(), nil), nil
	}
	return res, nil
}

func (p *Postgres) DescribeSchema(ctx context.Context) (*Schema, error) {
	pool, err := p.handle()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT c.table_name, c.column_name, c.data_type, c.is_nullable,
		       EXISTS (
		         SELECT 1
		         FROM information_schema.table_constraints tc
		         JOIN information_schema.key_column_usage kcu
		           ON tc.constraint_name = kcu.constraint_name
		          AND tc.table_schema = kcu.table_schema
		         WHERE tc.constraint_type = 'PRIMARY KEY'
		           AND tc.table_schema = c.table_schema
		           AND tc.table_name = c.table_name
		           AND kcu.column_name = c.column_name
		       ) AS is_pk
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, err
	}

	type colRow struct {
		table, name, dataType, nullable string
		pk                              bool
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (colRow, error) {
		var c colRow
		err := row.Scan(&c.table, &c.name, &c.dataType, &c.nullable, &c.pk)
		return c, err
	})
	if err != nil {
		return nil, err
	}

	schema := &Schema{Tables: []Table{}}
	for _, c := range cols {
		n := len(schema.Tables)
		if n == 0 || schema.Tables[n-1].Name != c.table {
			schema.Tables = append(schema.Tables, Table{Name: c.table, Columns: []Column{}})
			n++
		}
		schema.Tables[n-1].Columns = append(schema.Tables[n-1].Columns, Column{
			Name:       c.name,
			Type:       c.dataType,
			Nullable:   c.nullable == "YES",
			PrimaryKey: c.pk,
		})
	}
	return schema, nil
}

func (p *Postgres) TestConnection(ctx context.Context) error {
	pool, err := p.handle()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}
