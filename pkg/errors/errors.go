// Package errors defines the error taxonomy shared across authrelay.
package errors

import (
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided,
	// before any network I/O takes place.
	ErrInvalidArgument = "invalid_argument"

	// ErrConfiguration is returned when the merged options are incomplete
	// or ambiguous (missing authority, client id, conflicting schemes).
	ErrConfiguration = "configuration"

	// ErrCredential is returned when no usable client credential could be
	// loaded from the configured credential descriptions.
	ErrCredential = "credential"

	// ErrCertificate is returned when the identity provider rejected the
	// client certificate or signed assertion a second time, after the
	// cached client had already been rebuilt once.
	ErrCertificate = "certificate"

	// ErrInteractionRequired is returned when the identity provider
	// requires user interaction (consent, MFA) that this library cannot
	// drive on its own.
	ErrInteractionRequired = "interaction_required"

	// ErrTransport is returned when the downstream call itself failed at
	// the HTTP layer.
	ErrTransport = "transport"

	// ErrInternal is returned when there is an internal error.
	ErrInternal = "internal"
)

// Error represents an error in the library.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewCredentialError creates a new credential error
func NewCredentialError(message string, cause error) *Error {
	return NewError(ErrCredential, message, cause)
}

// NewCertificateError creates a new certificate error
func NewCertificateError(message string, cause error) *Error {
	return NewError(ErrCertificate, message, cause)
}

// NewInteractionRequiredError creates a new interaction required error
func NewInteractionRequiredError(message string, cause error) *Error {
	return NewError(ErrInteractionRequired, message, cause)
}

// NewTransportError creates a new transport error
func NewTransportError(message string, cause error) *Error {
	return NewError(ErrTransport, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrInvalidArgument
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrConfiguration
}

// IsCredential checks if the error is a credential error
func IsCredential(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrCredential
}

// IsCertificate checks if the error is a certificate error
func IsCertificate(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrCertificate
}

// IsInteractionRequired checks if the error is an interaction required error
func IsInteractionRequired(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrInteractionRequired
}

// IsTransport checks if the error is a transport error
func IsTransport(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrTransport
}
