// Package managedidentity acquires tokens from the platform's managed
// identity endpoint (IMDS) for system-assigned or user-assigned identities.
package managedidentity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/pkg/logger"
)

const (
	// DefaultEndpoint is the Azure instance metadata service token endpoint.
	DefaultEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"

	// apiVersion is the IMDS token API version.
	apiVersion = "2018-02-01"

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// defaultProbeTimeout bounds a single IMDS round trip. The endpoint is
	// link-local, so anything slower than this means it is not there.
	defaultProbeTimeout = 10 * time.Second

	// maxTries is the number of attempts for transient IMDS failures.
	maxTries = 4
)

// ID selects a managed identity: system-assigned or user-assigned.
type ID struct {
	clientID string
}

// SystemAssigned returns the selector for the system-assigned identity.
func SystemAssigned() ID {
	return ID{}
}

// UserAssigned returns the selector for a user-assigned identity.
func UserAssigned(clientID string) ID {
	return ID{clientID: clientID}
}

// ClientID returns the user-assigned client id, or "" for system-assigned.
func (id ID) ClientID() string {
	return id.clientID
}

// CacheKey returns the key under which clients for this identity are cached.
// System-assigned identities share the "SYSTEM" sentinel key.
func (id ID) CacheKey() string {
	if id.clientID == "" {
		return systemAssignedKey
	}
	return id.clientID
}

// systemAssignedKey is the cache key sentinel for the system-assigned identity.
const systemAssignedKey = "SYSTEM"

// TokenClient acquires a token for a resource from a managed identity.
type TokenClient interface {
	AcquireToken(ctx context.Context, resource string) (*oauth2.Token, error)
}

// Client fetches managed identity tokens from the IMDS endpoint.
type Client struct {
	endpoint   string
	id         ID
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the IMDS endpoint, e.g. for App Service
// (IDENTITY_ENDPOINT) or tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client used for IMDS calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// identityEndpointEnv overrides the IMDS endpoint on hosting platforms that
// expose the managed identity service at a different address.
const identityEndpointEnv = "IDENTITY_ENDPOINT"

// NewClient creates a Client for the given identity.
func NewClient(id ID, opts ...Option) *Client {
	endpoint := DefaultEndpoint
	if env := os.Getenv(identityEndpointEnv); env != "" {
		endpoint = env
	}
	c := &Client{
		endpoint: endpoint,
		id:       id,
		httpClient: &http.Client{
			Timeout: defaultProbeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenResponse is the IMDS token payload. IMDS returns numeric fields as
// JSON strings.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	Resource    string      `json:"resource"`
	TokenType   string      `json:"token_type"`
}

// AcquireToken requests a token for the given resource, retrying transient
// failures with exponential backoff.
func (c *Client) AcquireToken(ctx context.Context, resource string) (*oauth2.Token, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource is required")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	operation := func() (*oauth2.Token, error) {
		return c.acquireTokenOnce(ctx, resource)
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Retrying managed identity token request after %v: %v", duration, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("managed identity token request failed: %w", err)
	}
	return token, nil
}

func (c *Client) acquireTokenOnce(ctx context.Context, resource string) (*oauth2.Token, error) {
	requestURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid managed identity endpoint: %w", err))
	}

	query := requestURL.Query()
	query.Set("api-version", apiVersion)
	query.Set("resource", resource)
	if c.id.clientID != "" {
		query.Set("client_id", c.id.clientID)
	}
	requestURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("managed identity endpoint returned status %d: %s", resp.StatusCode, string(body))
		// 4xx responses will not get better by retrying.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode managed identity response: %w", err))
	}
	if payload.AccessToken == "" {
		return nil, backoff.Permanent(fmt.Errorf("managed identity endpoint returned empty access_token"))
	}

	token := &oauth2.Token{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if seconds, err := payload.ExpiresIn.Int64(); err == nil && seconds > 0 {
		token.Expiry = time.Now().Add(time.Duration(seconds) * time.Second)
	}
	return token, nil
}
