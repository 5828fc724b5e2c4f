package archive

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConflict reports an insert whose id already exists.
	ErrConflict = errors.New("conflict")
	// ErrNotFound reports an update that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput reports a request the store refuses to run.
	ErrInvalidInput = errors.New("invalid input")
)

// ConflictError reports a duplicate message id.
type ConflictError struct {
	Op string
	ID uuid.UUID
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %v: message %s", e.Op, ErrConflict, e.ID)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing message row.
type NotFoundError struct {
	Op string
	ID uuid.UUID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v: message %s", e.Op, ErrNotFound, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
