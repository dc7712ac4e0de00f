package triage

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify failures with errors.Is against these.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrInvalidReference      = errors.New("invalid reference")
	ErrInvalidInput          = errors.New("invalid input")
	ErrIDGenerationExhausted = errors.New("session id generation exhausted")
)

var (
	ErrSessionNotFound  = fmt.Errorf("session %w", ErrNotFound)
	ErrUnknownSymptom   = fmt.Errorf("symptom %w", ErrNotFound)
	ErrSessionCompleted = fmt.Errorf("session completed: %w", ErrInvalidState)
)
