package idp

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	jwxcert "github.com/lestrrat-go/jwx/v3/cert"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// assertionLifetime is how long a signed client assertion stays valid. Kept
// short: a fresh assertion is signed per token request.
const assertionLifetime = 10 * time.Minute

// signClientAssertion builds the private_key_jwt client assertion
// authenticating the client to the token endpoint with its certificate.
// When sendX5C is set the full certificate chain is embedded so the
// provider can authenticate by subject name and issuer.
func signClientAssertion(cert *tls.Certificate, clientID, tokenURL string, sendX5C bool) (string, error) {
	if cert == nil || cert.PrivateKey == nil || len(cert.Certificate) == 0 {
		return "", fmt.Errorf("certificate credential is missing key material")
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(clientID).
		Subject(clientID).
		Audience([]string{tokenURL}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(assertionLifetime)).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build client assertion: %w", err)
	}

	var alg jwa.SignatureAlgorithm
	switch cert.PrivateKey.(type) {
	case *rsa.PrivateKey:
		alg = jwa.RS256()
	case *ecdsa.PrivateKey:
		alg = jwa.ES256()
	default:
		return "", fmt.Errorf("unsupported private key type %T", cert.PrivateKey)
	}

	thumbprint := sha256.Sum256(cert.Certificate[0])
	headers := jws.NewHeaders()
	if err := headers.Set("x5t#S256", base64.RawURLEncoding.EncodeToString(thumbprint[:])); err != nil {
		return "", err
	}
	if sendX5C {
		chain := &jwxcert.Chain{}
		for _, der := range cert.Certificate {
			if err := chain.AddString(base64.StdEncoding.EncodeToString(der)); err != nil {
				return "", err
			}
		}
		if err := headers.Set("x5c", chain); err != nil {
			return "", err
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(alg, cert.PrivateKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return string(signed), nil
}
