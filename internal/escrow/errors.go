package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrHoldNotFound        = errors.New("escrow hold not found")
	ErrHoldNotActive       = errors.New("escrow hold is not active")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrPartyNotFound       = errors.New("party not found")
	ErrDuplicateHold       = errors.New("escrow hold already exists")
	ErrInvalidRequest      = errors.New("invalid request")
)

// ValidationError describes a malformed request field. It matches
// ErrInvalidRequest under errors.Is.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
