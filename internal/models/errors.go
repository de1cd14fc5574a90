package models

import (
	"errors"
	"fmt"
)

// ErrOperationNotFound is returned when an outbox record does not exist
var ErrOperationNotFound = errors.New("sync operation not found")

// ValidationError rejects input before anything is persisted
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StateError reports a status transition that the operation's current state does not allow
type StateError struct {
	OperationID string
	From        OperationStatus
	To          OperationStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("operation %s cannot move from %s to %s", e.OperationID, e.From, e.To)
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateError reports whether err is or wraps a StateError
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
