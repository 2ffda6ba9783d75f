package domain

import "errors"

// Error kinds. Callers wrap them with %w and test with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTransient         = errors.New("transient delivery failure")
)
