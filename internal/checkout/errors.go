package checkout

import (
	"errors"
	"strings"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrOrderClosed            = errors.New("order for this idempotency key is already closed")
)

// ValidationError is a client mistake detected before anything was written.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

func invalid(msg string, details ...string) *ValidationError {
	return &ValidationError{Message: msg, Details: details}
}
