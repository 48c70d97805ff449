package sandbox

import (
	"errors"

	"github.com/jkaninda/nsbox/internal/security"
)

var (
	ErrNotFound         = errors.New("sandbox not found")
	ErrNotReady         = errors.New("sandbox not ready")
	ErrCapacityExceeded = errors.New("sandbox capacity exceeded")
	ErrAllocationFailed = errors.New("sandbox allocation failed")
	ErrExecutionFailed  = errors.New("statement execution failed")
	ErrStatementTimeout = errors.New("statement timed out")
	ErrInvalidTableSpec = errors.New("invalid table specification")
	ErrTableNotFound    = errors.New("table not found")
	ErrReaperRunning    = errors.New("reaper already running")
	ErrRateLimited      = errors.New("sandbox creation rate limited")

	// ErrUnsafeStatement is returned, wrapped in a *security.StatementViolation,
	// when the statement filter rejects a statement.
	ErrUnsafeStatement = security.ErrUnsafeStatement
)
