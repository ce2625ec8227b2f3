package domain

import "errors"

var (
	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrActionNotFound   = errors.New("action not found")
	// ErrInstanceTerminal is returned when mutating an instance that already finished.
	ErrInstanceTerminal = errors.New("workflow instance is terminal")
	// ErrInvariantViolation signals store corruption or a concurrency bug. Callers must abort.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidTransition  = errors.New("invalid action transition")
	ErrValidation         = errors.New("validation failed")
)
