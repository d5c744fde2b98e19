package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCertificatePEM returns a self-signed certificate and key as PEM.
func testCertificatePEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "authrelay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
	return out
}

func TestFirstValid_CertificateFromFile(t *testing.T) {
	t.Parallel()

	certPath := filepath.Join(t.TempDir(), "client.pem")
	require.NoError(t, os.WriteFile(certPath, testCertificatePEM(t), 0o600))

	resolver := NewResolver(nil)
	descriptions := []*Description{
		{ID: "cert", Source: SourceCertificateFile, CertificateFile: certPath},
	}

	resolved, err := resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "cert", resolved.ID)
	assert.NotNil(t, resolved.Certificate)
}

func TestFirstValid_CertificateFromBase64(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(nil)
	descriptions := []*Description{
		{
			ID:                "inline",
			Source:            SourceCertificateBase64,
			CertificateBase64: base64.StdEncoding.EncodeToString(testCertificatePEM(t)),
		},
	}

	resolved, err := resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.NotNil(t, resolved.Certificate)
}

func TestFirstValid_FirstSuccessWins(t *testing.T) {
	t.Parallel()

	providerCalls := 0
	resolver := NewResolver(nil)
	descriptions := []*Description{
		{ID: "broken", Source: SourceCertificateFile, CertificateFile: "/does/not/exist.pem"},
		{ID: "secret", Source: SourceSecret, Secret: "s3cret"},
		{ID: "never", Source: SourceSignedAssertionProvider, Provider: func(context.Context) (string, error) {
			providerCalls++
			return "assertion", nil
		}},
	}

	resolved, err := resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "secret", resolved.ID)

	// The broken description is marked so it is not retried next time, and
	// later descriptions were never attempted.
	assert.True(t, descriptions[0].Skip)
	assert.Zero(t, providerCalls)
}

func TestFirstValid_SkippedDescriptionsNotRetried(t *testing.T) {
	t.Parallel()

	loads := 0
	resolver := NewResolver(nil)
	resolver.RegisterLoader(SourceSignedAssertionProvider, LoaderFunc(func(context.Context, *Description) error {
		loads++
		return errors.New("boom")
	}))

	descriptions := []*Description{
		{ID: "flaky", Source: SourceSignedAssertionProvider},
	}

	_, err := resolver.FirstValid(context.Background(), descriptions)
	require.Error(t, err)
	assert.Equal(t, 1, loads)

	// Second resolution skips the marked description without reloading.
	_, err = resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
}

func TestFirstValid_AggregatesFailures(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(nil)
	descriptions := []*Description{
		{ID: "cert-a", Source: SourceCertificateFile, CertificateFile: "/missing/a.pem"},
		{ID: "cert-b", Source: SourceCertificateFile, CertificateFile: "/missing/b.pem"},
	}

	_, err := resolver.FirstValid(context.Background(), descriptions)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUsableCredential)

	var aggregate *AggregateError
	require.ErrorAs(t, err, &aggregate)
	assert.Len(t, aggregate.Attempts, 2)
	assert.Contains(t, err.Error(), "cert-a")
	assert.Contains(t, err.Error(), "cert-b")
	assert.True(t, descriptions[0].Skip)
	assert.True(t, descriptions[1].Skip)
}

func TestFirstValid_OnlySecretFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(nil)
	descriptions := []*Description{
		{ID: "empty", Source: SourceSecret},
	}

	resolved, err := resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestFirstValid_AssertionFromFile(t *testing.T) {
	t.Parallel()

	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("eyJ.header.payload\n"), 0o600))

	resolver := NewResolver(nil)
	descriptions := []*Description{
		{ID: "federated", Source: SourceSignedAssertionFile, SignedAssertionFile: tokenPath},
	}

	resolved, err := resolver.FirstValid(context.Background(), descriptions)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "eyJ.header.payload", resolved.CachedAssertion)
}

func TestReset(t *testing.T) {
	t.Parallel()

	descriptions := []*Description{
		{ID: "cert", Source: SourceCertificateFile, Skip: true, Certificate: &tls.Certificate{}, CachedAssertion: "a"},
	}

	Reset(descriptions)
	assert.False(t, descriptions[0].Skip)
	assert.Nil(t, descriptions[0].Certificate)
	assert.Empty(t, descriptions[0].CachedAssertion)
}
