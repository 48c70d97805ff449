// Package engine defines the relational engine contract used by sandboxes
// and its PostgreSQL implementation.
package engine

import (
	"context"
	"fmt"
)

// DefaultMaxRows caps the rows materialised for a single statement.
const DefaultMaxRows = 1000

// Engine executes statements with a namespace pre-selected for the call.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Execute runs statement with unqualified names resolved against
	// namespace. An empty namespace leaves the engine default in place.
	Execute(ctx context.Context, namespace, statement string, params ...any) (*Result, error)
}

// Pinger is implemented by engines that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Result is the outcome of a single statement.
type Result struct {
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows"`
	// RowCount is the engine-reported count of rows returned or affected.
	// It may exceed len(Rows) when Truncated is set.
	RowCount  int64 `json:"row_count"`
	Truncated bool  `json:"truncated,omitempty"`
}

// Error is a structured failure reported by the engine.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`

	err error
}

// NewError creates an Error with the given SQLSTATE code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.err }

// SQLSTATE codes referenced outside the engine.
const (
	CodeUndefinedTable  = "42P01"
	CodeDuplicateTable  = "42P07"
	CodeInvalidSchema   = "3F000"
	CodeDuplicateSchema = "42P06"
	CodeQueryCanceled   = "57014"
)
