package errs

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoCopiesAvailable = errors.New("no copies available")
	ErrAlreadyReturned   = errors.New("loan already returned")
	ErrInvalidDateRange  = errors.New("invalid date range")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnpaidFines       = errors.New("patron has unpaid fines")
	ErrConflict          = errors.New("conflict")
	ErrInvalidCopies     = errors.New("copies would drop below zero")
)
