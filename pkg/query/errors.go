package query

import (
	"fmt"
	"strings"
)

// InputError is a missing or malformed request field.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// NotConnectedError reports a request against a database with no open
// connection.
type NotConnectedError struct {
	Database string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("Not connected to %s database", e.Database)
}

// PolicyViolation is a statement the mode policy rejected. Errors keep the
// policy's order.
type PolicyViolation struct {
	SQL       string
	QueryType string
	Errors    []string
}

const MsgUnsafeSQL = "Generated SQL query is not safe"

func (e *PolicyViolation) Error() string {
	return MsgUnsafeSQL + ": " + strings.Join(e.Errors, "; ")
}

// ExecutionError wraps a failed database call. Error returns the driver's
// message unchanged.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// GenerationError wraps a failed language-model call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "failed to generate SQL: " + e.Err.Error() }

func (e *GenerationError) Unwrap() error { return e.Err }
