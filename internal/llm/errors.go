package llm

import (
	"errors"
	"fmt"
	"strings"

	"scriptrag/internal/models"
)

var (
	// ErrNoProviderAvailable means no registered provider passed availability probing.
	ErrNoProviderAvailable = errors.New("no LLM provider available")
	// ErrInvalidRequest wraps structural request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Attempt records the final error one provider produced within a request.
type Attempt struct {
	Provider models.ProviderType
	Err      error
}

// AllProvidersFailedError is returned when every candidate provider failed.
type AllProvidersFailedError struct {
	Operation string
	Attempts  []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all providers failed for %s: [%s]", e.Operation, strings.Join(parts, "; "))
}

// Unwrap exposes every per-provider error to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

// Providers lists the attempted providers in order.
func (e *AllProvidersFailedError) Providers() []models.ProviderType {
	out := make([]models.ProviderType, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Provider)
	}
	return out
}
