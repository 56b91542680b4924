package execclient

import (
	"errors"
	"fmt"
)

// Wire error codes mirrored from the execution API contract.
const (
	wireErrorUnauthorizedConstant  = "unauthorized"
	wireErrorNotFoundConstant      = "not_found"
	wireErrorSerializationConstant = "serialization_error"
)

const (
	unauthorizedMessageConstant           = "execution api request unauthorized"
	notFoundMessageConstant               = "requested entity not found"
	serializationMessageConstant          = "value is not representable as JSON"
	transportErrorMessageTemplateConstant = "execution api unreachable after %d attempts"
	apiErrorMessageTemplateConstant       = "execution api returned %s (status %d)"
)

var (
	// ErrUnauthorized indicates the token is invalid, revoked, or out of scope. Never retried.
	ErrUnauthorized = errors.New(unauthorizedMessageConstant)
	// ErrNotFound indicates the requested variable, connection, or exchange key is absent. Never retried.
	ErrNotFound = errors.New(notFoundMessageConstant)
	// ErrSerialization indicates the pushed value violates the JSON-only exchange invariant. Never retried.
	ErrSerialization = errors.New(serializationMessageConstant)
)

// APIError is a structured failure response from the execution API server.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

// Error describes the structured failure.
func (apiError APIError) Error() string {
	message := fmt.Sprintf(apiErrorMessageTemplateConstant, apiError.Code, apiError.StatusCode)
	if len(apiError.Detail) > 0 {
		message = fmt.Sprintf("%s: %s", message, apiError.Detail)
	}
	return message
}

// Unwrap maps wire codes onto the client's sentinel errors so callers can
// branch with errors.Is.
func (apiError APIError) Unwrap() error {
	switch apiError.Code {
	case wireErrorUnauthorizedConstant:
		return ErrUnauthorized
	case wireErrorNotFoundConstant:
		return ErrNotFound
	case wireErrorSerializationConstant:
		return ErrSerialization
	}
	return nil
}

// TransportError reports a request that kept failing at the transport level
// after the bounded retry budget was spent.
type TransportError struct {
	Attempts int
	Cause    error
}

// Error describes the exhausted retry budget.
func (transportError TransportError) Error() string {
	return fmt.Sprintf(transportErrorMessageTemplateConstant, transportError.Attempts)
}

// Unwrap exposes the final transport failure.
func (transportError TransportError) Unwrap() error {
	return transportError.Cause
}
