package engine

import (
	"errors"

	"quicktasker/internal/repo"
)

// Error taxonomy for ledger operations. The transport shell maps each
// sentinel to a stable status code; callers test with errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = repo.ErrNotFound
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
)
