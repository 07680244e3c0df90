package safety

import (
	"fmt"
	"strings"
)

// Mode is the caller-selected safety policy for one request.
type Mode string

const (
	ModeReadOnly   Mode = "read-only"
	ModeSafe       Mode = "safe"
	ModeFullAccess Mode = "full-access"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeReadOnly, ModeSafe, ModeFullAccess:
		return true
	}
	return false
}

// ParseMode converts a wire value into a Mode. Unknown values are returned
// as-is so the policy engine can reject them with a verdict.
func ParseMode(s string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(s)))
}

// Error messages surfaced to users.
const (
	MsgEmptyQuery        = "SQL query cannot be empty"
	MsgMultipleStatement = "Multiple SQL statements are not allowed"
	MsgInvalidMode       = "Invalid query mode specified"
)

// Verdict is the policy decision for one classified statement in one mode.
type Verdict struct {
	Valid                bool     `json:"valid"`
	Errors               []string `json:"errors,omitempty"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
	QueryType            string   `json:"queryType"`
}

// PolicyOptions tunes decisions the decision table leaves open.
type PolicyOptions struct {
	// ConfirmUnknown makes safe mode hold unknown-category statements for
	// confirmation instead of letting them through.
	ConfirmUnknown bool
}

// Policy is the mode policy engine. It is safe for concurrent use.
type Policy struct {
	opts PolicyOptions
}

// NewPolicy creates a policy engine with the given options.
func NewPolicy(opts PolicyOptions) *Policy {
	return &Policy{opts: opts}
}

// NewDefaultPolicy creates a policy engine with the documented decision table.
func NewDefaultPolicy() *Policy {
	return NewPolicy(PolicyOptions{})
}

// Evaluate applies mode to stmt.
func (p *Policy) Evaluate(stmt Statement, mode Mode) Verdict {
	if stmt.IsEmpty() {
		return Verdict{Valid: false, Errors: []string{MsgEmptyQuery}, QueryType: stmt.QueryType}
	}

	var errs []string
	confirm := false

	switch mode {
	case ModeReadOnly:
		switch stmt.Category {
		case CategorySelect:
		case CategoryDataMutation, CategorySchemaMutation:
			errs = append(errs, fmt.Sprintf("Operation not allowed in READ-ONLY mode: %s", strings.ToUpper(stmt.QueryType)))
		default:
			errs = append(errs, "Query must start with one of: "+strings.Join(readKeywords, ", "))
		}
	case ModeSafe:
		switch stmt.Category {
		case CategoryDataMutation, CategorySchemaMutation:
			confirm = true
		case CategoryUnknown:
			confirm = p.opts.ConfirmUnknown
		}
	case ModeFullAccess:
	default:
		errs = append(errs, MsgInvalidMode)
	}

	// Checked before the confirmation return so a multi-statement text is
	// invalid in every mode.
	if stmt.StatementCount > 1 {
		errs = append(errs, MsgMultipleStatement)
	}

	if len(errs) > 0 {
		return Verdict{Valid: false, Errors: errs, QueryType: stmt.QueryType}
	}
	if confirm {
		return Verdict{Valid: true, RequiresConfirmation: true, QueryType: stmt.QueryType}
	}
	return Verdict{Valid: true, QueryType: stmt.QueryType}
}

// Check classifies and evaluates in one step.
func (p *Policy) Check(c Classifier, sql string, mode Mode) (Statement, Verdict) {
	stmt := c.Classify(sql)
	return stmt, p.Evaluate(stmt, mode)
}
