package query

import (
	"context"
	"fmt"

	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/safety"
)

// SnapshotLimit caps the rows read back after a mutation.
const SnapshotLimit = 100

// Executor runs one SQL statement. datasource.Adapter satisfies it.
type Executor interface {
	Execute(ctx context.Context, sql string) (*datasource.Result, error)
}

// Outcome is the execution result handed back to the caller.
type Outcome struct {
	FormattedSQL     string           `json:"sql"`
	RawSQL           string           `json:"rawSql"`
	Rows             []datasource.Row `json:"results"`
	RowCount         int              `json:"rowCount"`
	AffectedRowCount *int64           `json:"affectedRowCount,omitempty"`
	QueryType        string           `json:"queryType"`
	// LastInsertID is reported by engines that track it, for inserts only.
	LastInsertID *int64 `json:"lastInsertId,omitempty"`
}

// Normalize shapes result into an Outcome. For a mutation on a resolved
// table the table's current rows are read back through exec; a failure of
// that read leaves the outcome with no rows and is not reported.
func Normalize(ctx context.Context, result *datasource.Result, stmt safety.Statement, exec Executor) Outcome {
	out := Outcome{
		FormattedSQL: safety.FormatOrRaw(stmt.Raw),
		RawSQL:       stmt.Raw,
		Rows:         []datasource.Row{},
		QueryType:    stmt.QueryType,
	}
	if result == nil {
		return out
	}

	if !result.IsMutation() {
		if result.Rows != nil {
			out.Rows = result.Rows
		}
		out.RowCount = len(out.Rows)
		return out
	}

	affected := result.Mutation.RowsAffected
	out.AffectedRowCount = &affected
	out.LastInsertID = result.Mutation.LastInsertID

	if stmt.MutatedTable == "" || exec == nil {
		return out
	}
	snap, err := exec.Execute(ctx, snapshotSQL(stmt))
	if err != nil {
		log.Debugf("snapshot of %s skipped: %v", stmt.MutatedTable, err)
		return out
	}
	if snap != nil && !snap.IsMutation() && snap.Rows != nil {
		out.Rows = snap.Rows
		out.RowCount = len(snap.Rows)
	}
	return out
}

// snapshotSQL reads the table back under the name the mutation used, so a
// quoted mixed-case name is not folded by the engine.
func snapshotSQL(stmt safety.Statement) string {
	table := stmt.MutatedTableRef
	if table == "" {
		table = stmt.MutatedTable
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, SnapshotLimit)
}
