package recoverability

import "errors"

// Store errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrOperationExists     = errors.New("operation already exists")
)

// Domain errors.
var (
	ErrConflictRetriesExhausted = errors.New("concurrency conflict retries exhausted")
	ErrRequestIDConflict        = errors.New("request id already used for a different scope")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrInvalidScope             = errors.New("invalid operation scope")
	ErrOperationTerminal        = errors.New("operation already finished")
)
