package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrPreconditionFailed matches every PreconditionError.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrAccessDenied is returned by CheckAccess when the user holds no active
// subscription to any of the required products.
var ErrAccessDenied = errors.New("no active subscription")

// ValidationError rejects bad input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a transition attempted from a status that
// does not allow it.
type PreconditionError struct {
	Entity    string
	ID        uuid.UUID
	Current   string
	Attempted string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %s", e.Entity, e.ID, e.Attempted, e.Current)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPreconditionFailed }

// GatewayError wraps a failed processor call with the entity it was for.
// Declines and transient failures stay reachable through errors.Is/As.
type GatewayError struct {
	Op       string
	EntityID uuid.UUID
	Gateway  string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s for %s: %v", e.Gateway, e.Op, e.EntityID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// persistErr wraps err unless it already carries a billing error type.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		pe *PersistenceError
		ve *ValidationError
		ge *GatewayError
	)
	if errors.Is(err, ErrPreconditionFailed) || errors.As(err, &pe) || errors.As(err, &ve) || errors.As(err, &ge) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
