package acquisition

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/authrelay/authrelay/pkg/errors"
	"github.com/authrelay/authrelay/pkg/idp"
)

// Provider diagnostic codes meaning the client certificate the request was
// signed with is expired, revoked, or outside its validity window. These
// trigger the invalidate-and-retry-once recovery.
var certificateFailureCodes = []string{
	"AADSTS700027",
	"AADSTS700024",
	"AADSTS7000214",
	"AADSTS7000277",
	"AADSTS1000502",
}

// isCertificateError reports whether the provider rejected the client
// credential for a certificate-validity reason.
func isCertificateError(err error) bool {
	var serviceErr *idp.ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	if serviceErr.Code != "invalid_client" {
		return false
	}
	for _, code := range certificateFailureCodes {
		if strings.Contains(serviceErr.Description, code) {
			return true
		}
	}
	return false
}

// certificateFailure classifies a terminal acquisition error. A certificate
// rejection that survived the invalidate-and-retry-once recovery is wrapped
// so callers can match it with errors.IsCertificate; everything else passes
// through unchanged.
func certificateFailure(err error, retried bool) error {
	if retried && isCertificateError(err) {
		return apperrors.NewCertificateError("identity provider rejected the client certificate after credential reload", err)
	}
	return err
}

// ChallengeError signals that the user must complete an interactive step
// (consent, MFA, conditional access) before a token can be issued. It
// carries what the caller needs to drive that flow; it is never retried
// here.
type ChallengeError struct {
	// Scopes the failed acquisition requested.
	Scopes []string

	// UserFlow is the B2C user flow in effect, if any.
	UserFlow string

	// Err is the provider error that triggered the challenge.
	Err error
}

// Error implements the error interface.
func (e *ChallengeError) Error() string {
	return fmt.Sprintf("user interaction required for scopes %v: %v", e.Scopes, e.Err)
}

// Unwrap exposes the provider error to errors.Is/As.
func (e *ChallengeError) Unwrap() error {
	return e.Err
}
