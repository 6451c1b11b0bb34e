package shared

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSource indicates an identity tuple collision on insert.
	ErrDuplicateSource = errors.New("duplicate source")
	// ErrVersionConflict indicates an optimistic-lock mismatch.
	ErrVersionConflict = errors.New("version conflict")
	// ErrJournalAssigned indicates an attempt to relink a transaction to a different journal.
	ErrJournalAssigned = errors.New("journal already assigned")
	// ErrInvalidTransition indicates a status move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNoAccountLink indicates a payment method without any COA resolution path.
	ErrNoAccountLink = errors.New("no account link")
)

// ValidationError reports malformed input: bad shapes, dates or amounts.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a validation error.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity by kind and key.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports duplicate keys, stale versions and already-assigned
// journals. Sentinel carries the conflict class for errors.Is checks.
type ConflictError struct {
	Msg      string
	Sentinel error
}

func (e *ConflictError) Error() string { return e.Msg }

func (e *ConflictError) Is(target error) bool {
	return e.Sentinel != nil && target == e.Sentinel
}

// NewConflictError builds a conflict error classified by sentinel.
func NewConflictError(sentinel error, format string, args ...any) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...), Sentinel: sentinel}
}

// ConfigurationError reports missing mandatory configuration, such as the
// sales revenue account. Not recoverable by retrying the operation.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// NewConfigurationError formats a configuration error.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DatabaseError wraps an opaque store failure, preserving the cause.
type DatabaseError struct {
	Op    string
	Cause error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// NewDatabaseError wraps err with the failed operation name.
func NewDatabaseError(op string, err error) *DatabaseError {
	return &DatabaseError{Op: op, Cause: err}
}

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. The constraint is the sole authority on duplication; callers
// treat this as the duplicate signal, not as an opaque store failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
