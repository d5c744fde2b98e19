package idp

import (
	"encoding/json"
	"fmt"
)

// Provider error codes that signal the user must complete an interactive
// step (consent, MFA, conditional access) before a token can be issued.
const (
	codeInvalidGrant        = "invalid_grant"
	codeInteractionRequired = "interaction_required"
	codeConsentRequired     = "consent_required"
)

// ServiceError is an OAuth 2.0 error response (RFC 6749 section 5.2)
// returned by the identity provider's token endpoint.
type ServiceError struct {
	// Code is the provider error code, e.g. "invalid_client".
	Code string `json:"error"`

	// Description carries the provider's diagnostic text, including any
	// AADSTS sub-codes.
	Description string `json:"error_description,omitempty"`

	// ErrorURI points at provider documentation for the error.
	ErrorURI string `json:"error_uri,omitempty"`

	// StatusCode is the HTTP status of the token response.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("identity provider error %q (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("identity provider error %q (status %d)", e.Code, e.StatusCode)
}

// InteractionRequired reports whether the error means the user must complete
// an interactive flow. These are never retried by this library.
func (e *ServiceError) InteractionRequired() bool {
	switch e.Code {
	case codeInvalidGrant, codeInteractionRequired, codeConsentRequired:
		return true
	default:
		return false
	}
}

// parseServiceError attempts to parse an OAuth error response from the
// given response body. Returns nil if the body is not an OAuth error.
func parseServiceError(statusCode int, body []byte) *ServiceError {
	var serviceErr ServiceError
	if err := json.Unmarshal(body, &serviceErr); err != nil {
		return nil
	}
	if serviceErr.Code == "" {
		return nil
	}
	serviceErr.StatusCode = statusCode
	return &serviceErr
}
