// Package networking builds the HTTP clients used to reach identity
// providers and downstream APIs, including mutual-TLS clients bound to a
// client certificate surfaced by a credential.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HTTPTimeout is the timeout for outgoing HTTP requests
const HTTPTimeout = 30 * time.Second

// ClientFactory supplies the HTTP clients used for token-endpoint and
// downstream calls. A nil certificate requests a plain client; a non-nil
// certificate requests a mutual-TLS client presenting that certificate.
type ClientFactory interface {
	Client(bindingCertificate *tls.Certificate) (*http.Client, error)
}

// DefaultClientFactory builds clients through ClientBuilder with the
// default timeouts.
type DefaultClientFactory struct{}

// Client implements ClientFactory.
func (DefaultClientFactory) Client(bindingCertificate *tls.Certificate) (*http.Client, error) {
	builder := NewClientBuilder()
	if bindingCertificate != nil {
		builder = builder.WithClientCertificate(*bindingCertificate)
	}
	return builder.Build()
}

// ClientBuilder provides a fluent interface for building HTTP clients
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	clientCertificate     *tls.Certificate
}

// NewClientBuilder returns a new ClientBuilder
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path
func (b *ClientBuilder) WithCABundle(path string) *ClientBuilder {
	b.caCertPath = path
	return b
}

// WithClientCertificate sets a client certificate for mutual TLS
func (b *ClientBuilder) WithClientCertificate(cert tls.Certificate) *ClientBuilder {
	b.clientCertificate = &cert
	return b
}

// WithTimeout sets the overall client timeout
func (b *ClientBuilder) WithTimeout(timeout time.Duration) *ClientBuilder {
	b.clientTimeout = timeout
	return b
}

// Build creates the configured HTTP client
func (b *ClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if b.caCertPath != "" || b.clientCertificate != nil {
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if b.clientCertificate != nil {
		transport.TLSClientConfig.Certificates = []tls.Certificate{*b.clientCertificate}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   b.clientTimeout,
	}

	return client, nil
}
