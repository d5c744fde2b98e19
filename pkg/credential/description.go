// Package credential describes the client credential sources an application
// can authenticate with (certificates, secrets, signed assertions, managed
// identity federation) and loads the first usable one.
package credential

import (
	"context"
	"crypto/tls"
)

// Source identifies where a credential's material comes from.
type Source string

const (
	// SourceCertificateFile is a PEM certificate and key read from disk.
	SourceCertificateFile Source = "certificate_file"

	// SourceCertificateBase64 is a base64-encoded PEM certificate and key
	// carried inline in configuration.
	SourceCertificateBase64 Source = "certificate_base64"

	// SourceSecret is a statically configured client secret.
	SourceSecret Source = "secret"

	// SourceSignedAssertionFile is a pre-signed client assertion read from
	// a file, typically a projected workload identity token.
	SourceSignedAssertionFile Source = "signed_assertion_file"

	// SourceSignedAssertionManagedIdentity is a client assertion fetched
	// from the platform managed identity endpoint (federated identity).
	SourceSignedAssertionManagedIdentity Source = "signed_assertion_managed_identity"

	// SourceSignedAssertionProvider is a client assertion produced by an
	// application-supplied callback.
	SourceSignedAssertionProvider Source = "signed_assertion_provider"
)

// AssertionProvider produces a signed client assertion on demand.
type AssertionProvider func(ctx context.Context) (string, error)

// Description declares one credential source. Descriptions are owned by the
// configuration layer and referenced by the resolver and the client cache;
// only Skip and the cached material are mutated after construction, by the
// loaders.
type Description struct {
	// ID names the credential in diagnostics.
	ID string

	// Source selects the loader for this description.
	Source Source

	// CertificateFile is the path to a PEM file holding the certificate
	// and its private key (SourceCertificateFile).
	CertificateFile string

	// CertificateBase64 is base64-encoded PEM holding the certificate and
	// its private key (SourceCertificateBase64).
	CertificateBase64 string

	// Secret is the client secret (SourceSecret).
	Secret string

	// SignedAssertionFile is the path of a file containing a pre-signed
	// assertion (SourceSignedAssertionFile).
	SignedAssertionFile string

	// ManagedIdentityClientID selects a user-assigned managed identity for
	// SourceSignedAssertionManagedIdentity. Empty means system-assigned.
	ManagedIdentityClientID string

	// Provider produces assertions for SourceSignedAssertionProvider.
	Provider AssertionProvider

	// Skip is set by the resolver when a load attempt failed, so the same
	// broken source is not retried on every request.
	Skip bool

	// Certificate is the loaded certificate material.
	Certificate *tls.Certificate

	// CachedAssertion is the loaded signed assertion.
	CachedAssertion string
}

// IsCertificate reports whether the description is certificate-kind.
func (d *Description) IsCertificate() bool {
	return d.Source == SourceCertificateFile || d.Source == SourceCertificateBase64
}

// IsSignedAssertion reports whether the description is assertion-kind.
func (d *Description) IsSignedAssertion() bool {
	switch d.Source {
	case SourceSignedAssertionFile, SourceSignedAssertionManagedIdentity, SourceSignedAssertionProvider:
		return true
	default:
		return false
	}
}

// Loaded reports whether credential material is already cached.
func (d *Description) Loaded() bool {
	return d.Certificate != nil || d.CachedAssertion != "" || (d.Source == SourceSecret && d.Secret != "")
}

// Reset clears the skip flags and cached material of all descriptions so a
// subsequent resolution reloads them. Used by the certificate-failure
// recovery path.
func Reset(descriptions []*Description) {
	for _, d := range descriptions {
		d.Skip = false
		d.Certificate = nil
		d.CachedAssertion = ""
	}
}
