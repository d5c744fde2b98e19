package credential

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/authrelay/authrelay/pkg/managedidentity"
)

// TokenExchangeResource is the resource a managed identity token must be
// issued for when it is used as a federated client assertion.
const TokenExchangeResource = "api://AzureADTokenExchange"

// Loader materializes the credential described by a Description, caching the
// result on the description itself.
type Loader interface {
	Load(ctx context.Context, description *Description) error
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, description *Description) error

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, description *Description) error {
	return f(ctx, description)
}

// certificateFileLoader loads a PEM certificate and key from disk.
type certificateFileLoader struct{}

func (certificateFileLoader) Load(_ context.Context, description *Description) error {
	if description.CertificateFile == "" {
		return fmt.Errorf("credential %q: certificate file path is empty", description.ID)
	}
	pemBytes, err := os.ReadFile(description.CertificateFile)
	if err != nil {
		return fmt.Errorf("credential %q: failed to read certificate file: %w", description.ID, err)
	}
	cert, err := parseCertificatePEM(pemBytes)
	if err != nil {
		return fmt.Errorf("credential %q: %w", description.ID, err)
	}
	description.Certificate = cert
	return nil
}

// certificateBase64Loader loads a base64-encoded PEM certificate and key.
type certificateBase64Loader struct{}

func (certificateBase64Loader) Load(_ context.Context, description *Description) error {
	if description.CertificateBase64 == "" {
		return fmt.Errorf("credential %q: base64 certificate is empty", description.ID)
	}
	pemBytes, err := base64.StdEncoding.DecodeString(description.CertificateBase64)
	if err != nil {
		return fmt.Errorf("credential %q: failed to decode base64 certificate: %w", description.ID, err)
	}
	cert, err := parseCertificatePEM(pemBytes)
	if err != nil {
		return fmt.Errorf("credential %q: %w", description.ID, err)
	}
	description.Certificate = cert
	return nil
}

// secretLoader validates that the configured secret is present; there is
// nothing to materialize.
type secretLoader struct{}

func (secretLoader) Load(_ context.Context, description *Description) error {
	if description.Secret == "" {
		return fmt.Errorf("credential %q: client secret is empty", description.ID)
	}
	return nil
}

// assertionFileLoader reads a pre-signed assertion from a file, typically a
// token projected into the pod filesystem by workload identity.
type assertionFileLoader struct{}

func (assertionFileLoader) Load(_ context.Context, description *Description) error {
	if description.SignedAssertionFile == "" {
		return fmt.Errorf("credential %q: signed assertion file path is empty", description.ID)
	}
	raw, err := os.ReadFile(description.SignedAssertionFile)
	if err != nil {
		return fmt.Errorf("credential %q: failed to read signed assertion file: %w", description.ID, err)
	}
	assertion := strings.TrimSpace(string(raw))
	if assertion == "" {
		return fmt.Errorf("credential %q: signed assertion file is empty", description.ID)
	}
	description.CachedAssertion = assertion
	return nil
}

// managedIdentityAssertionLoader exchanges a managed identity token for use
// as a federated client assertion.
type managedIdentityAssertionLoader struct {
	cache *managedidentity.Cache
}

func (l managedIdentityAssertionLoader) Load(ctx context.Context, description *Description) error {
	id := managedidentity.SystemAssigned()
	if description.ManagedIdentityClientID != "" {
		id = managedidentity.UserAssigned(description.ManagedIdentityClientID)
	}

	client, err := l.cache.GetOrBuild(ctx, id)
	if err != nil {
		return fmt.Errorf("credential %q: %w", description.ID, err)
	}
	token, err := client.AcquireToken(ctx, TokenExchangeResource)
	if err != nil {
		return fmt.Errorf("credential %q: %w", description.ID, err)
	}
	description.CachedAssertion = token.AccessToken
	return nil
}

// providerAssertionLoader invokes the application-supplied callback.
type providerAssertionLoader struct{}

func (providerAssertionLoader) Load(ctx context.Context, description *Description) error {
	if description.Provider == nil {
		return fmt.Errorf("credential %q: assertion provider is nil", description.ID)
	}
	assertion, err := description.Provider(ctx)
	if err != nil {
		return fmt.Errorf("credential %q: assertion provider failed: %w", description.ID, err)
	}
	if assertion == "" {
		return fmt.Errorf("credential %q: assertion provider returned an empty assertion", description.ID)
	}
	description.CachedAssertion = assertion
	return nil
}

// parseCertificatePEM splits a PEM bundle into certificate and key blocks
// and pairs them.
func parseCertificatePEM(pemBytes []byte) (*tls.Certificate, error) {
	var certPEM, keyPEM []byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		encoded := pem.EncodeToMemory(block)
		if block.Type == "CERTIFICATE" {
			certPEM = append(certPEM, encoded...)
		} else {
			keyPEM = append(keyPEM, encoded...)
		}
	}
	if len(certPEM) == 0 {
		return nil, fmt.Errorf("no certificate found in PEM data")
	}
	if len(keyPEM) == 0 {
		return nil, fmt.Errorf("no private key found in PEM data")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate key pair: %w", err)
	}
	return &cert, nil
}
