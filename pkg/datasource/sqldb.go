package datasource

import (
	"context"
	"database/sql"
	"strings"
)

// execSQL runs one statement on a database/sql handle. Statements that
// return rows go through QueryContext; everything else through ExecContext
// so the driver's affected-row counter and insert id are available.
func execSQL(ctx context.Context, db *sql.DB, query string) (*Result, error) {
	if !returnsRows(query) {
		res, err := db.ExecContext(ctx, query)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		var lastID *int64
		if isInsert(query) {
			if id, err := res.LastInsertId(); err == nil {
				lastID = &id
			}
		}
		return newMutation(affected, lastID), nil
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// isInsert gates LastInsertId, which drivers otherwise report stale for
// UPDATE and DELETE.
func isInsert(query string) bool {
	upper := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(upper, "INSERT") || strings.HasPrefix(upper, "REPLACE")
}

func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	typeNames := make([]string, len(cols))
	for i, ct := range types {
		typeNames[i] = ct.DatabaseTypeName()
	}

	res := &Result{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		vals := make([]Value, len(cols))
		for i, v := range raw {
			vals[i] = fromDriver(v, typeNames[i])
		}
		res.Rows = append(res.Rows, Row{Columns: cols, Values: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// queryStrings collects the first column of every row as text.
func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
