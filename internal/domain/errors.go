package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInsufficientQuantity = errors.New("insufficient_quantity")
	ErrQuantityOverflow     = errors.New("quantity_overflow")
	ErrLockTimeout          = errors.New("lock_timeout")
	ErrHoldingNotFound      = errors.New("holding_not_found")
	ErrWebhookNotFound      = errors.New("webhook_not_found")
)

// ValidationError represents a request validation failure. It matches
// ErrInvalidOrder under errors.Is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}
