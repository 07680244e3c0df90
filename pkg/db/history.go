package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status is the outcome of one pipeline request.
type Status string

const (
	StatusExecuted  Status = "executed"
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// HistoryEntry is one row of query_history.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversationId,omitempty"`
	TargetDatabase string    `json:"targetDatabase"`
	Question       string    `json:"question,omitempty"`
	SQL            string    `json:"sql"`
	Mode           string    `json:"mode,omitempty"`
	QueryType      string    `json:"queryType"`
	Status         Status    `json:"status"`
	RowCount       int       `json:"rowCount"`
	AffectedRows   *int64    `json:"affectedRowCount,omitempty"`
	ErrorMsg       string    `json:"error,omitempty"`
}

// sqliteTimeLayout is fixed width so stored values order lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

func (s *Store) timeArg(t time.Time) any {
	t = t.UTC()
	if s.dbType == DBTypeSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	}
	return time.Time{}
}

func parseTimeText(s string) time.Time {
	for _, layout := range []string{sqliteTimeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Record inserts e. A zero Timestamp is set to now.
func (s *Store) Record(ctx context.Context, e HistoryEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var affected sql.NullInt64
	if e.AffectedRows != nil {
		affected = sql.NullInt64{Int64: *e.AffectedRows, Valid: true}
	}

	query := s.rebind(`INSERT INTO query_history (
		timestamp, conversation_id, target_database, question, sql_text,
		mode, query_type, status, row_count, affected_rows, error_msg
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query, s.timeArg(e.Timestamp),
		e.ConversationID, e.TargetDatabase, e.Question, e.SQL,
		e.Mode, e.QueryType, string(e.Status), e.RowCount, affected, e.ErrorMsg)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// HistoryFilter narrows Recent.
type HistoryFilter struct {
	Limit          int
	ConversationID string
	TargetDatabase string
	Status         Status
}

// Recent returns the newest entries first. Limit defaults to 50.
func (s *Store) Recent(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `SELECT id, timestamp, conversation_id, target_database, question, sql_text,
		mode, query_type, status, row_count, affected_rows, error_msg
		FROM query_history WHERE 1=1`
	var args []any

	if filter.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.TargetDatabase != "" {
		query += " AND target_database = ?"
		args = append(args, filter.TargetDatabase)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e        HistoryEntry
			ts       any
			status   string
			affected sql.NullInt64
			question sql.NullString
			sqlText  sql.NullString
			errMsg   sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ConversationID, &e.TargetDatabase, &question, &sqlText,
			&e.Mode, &e.QueryType, &status, &e.RowCount, &affected, &errMsg); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Question = question.String
		e.SQL = sqlText.String
		e.ErrorMsg = errMsg.String
		e.Status = Status(status)
		if affected.Valid {
			n := affected.Int64
			e.AffectedRows = &n
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge deletes entries older than cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM query_history WHERE timestamp < ?"), s.timeArg(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return res.RowsAffected()
}
