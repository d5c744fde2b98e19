package idp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/authrelay/authrelay/pkg/logger"
)

const (
	grantClientCredentials = "client_credentials"
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"

	// grantJWTBearer is the on-behalf-of grant type.
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	grantJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// clientAssertionType identifies private_key_jwt client authentication.
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	requestedTokenUseOBO = "on_behalf_of"

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// expiryDelta is subtracted from a cached token's lifetime so callers
	// never receive a token about to lapse mid-flight.
	expiryDelta = 2 * time.Minute

	// correlationHeader carries the correlation id to the token endpoint.
	correlationHeader = "client-request-id"
)

// Credential is the client credential a confidential client authenticates
// with. Exactly one field is set.
type Credential struct {
	// Secret is a client secret.
	Secret string

	// Certificate signs private_key_jwt client assertions.
	Certificate *tls.Certificate

	// SignedAssertion is a pre-signed client assertion (federated identity).
	SignedAssertion string
}

// Config configures a confidential Client.
type Config struct {
	// Authority is the issuer URL, e.g.
	// "https://login.microsoftonline.com/contoso.onmicrosoft.com".
	Authority string

	// ClientID is the application (client) id.
	ClientID string

	// TenantID is the default tenant for token requests.
	TenantID string

	// Credential authenticates the client.
	Credential Credential

	// SendX5C embeds the certificate chain in client assertions.
	SendX5C bool

	// RedirectURI is sent on authorization-code redemption.
	RedirectURI string

	// HTTPClient performs token endpoint calls; http.DefaultClient if nil.
	HTTPClient *http.Client

	// DisableDiscovery skips OIDC metadata discovery and derives the token
	// endpoint from the authority directly.
	DisableDiscovery bool
}

// Client is the default ConfidentialClient implementation. It talks to the
// token endpoint directly and keeps an in-memory token cache keyed by
// account, app, or on-behalf-of assertion.
type Client struct {
	cfg        Config
	httpClient *http.Client

	resolveOnce sync.Once
	tokenURL    string

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	accounts map[string]string // account id -> refresh token
	sessions map[string]string // long-running OBO session key -> refresh token
}

type cacheEntry struct {
	result    *Result
	expiresOn time.Time
}

func (e cacheEntry) fresh() bool {
	return time.Now().Before(e.expiresOn.Add(-expiryDelta))
}

var _ ConfidentialClient = (*Client)(nil)

// NewClient creates a confidential client for one authority and client
// identity.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Authority == "" {
		return nil, fmt.Errorf("authority is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      make(map[string]cacheEntry),
		accounts:   make(map[string]string),
		sessions:   make(map[string]string),
	}, nil
}

// Factory builds ConfidentialClients; the client cache injects one so tests
// can substitute fakes.
type Factory func(ctx context.Context, cfg Config) (ConfidentialClient, error)

// DefaultFactory builds real Clients.
func DefaultFactory(_ context.Context, cfg Config) (ConfidentialClient, error) {
	return NewClient(cfg)
}

// BoundCertificate implements ConfidentialClient.
func (c *Client) BoundCertificate() *tls.Certificate {
	return c.cfg.Credential.Certificate
}

// AcquireForClient implements the client-credentials flow.
func (c *Client) AcquireForClient(ctx context.Context, req ClientRequest) (*Result, error) {
	tenant := c.tenantFor(req.TenantID)
	key := cacheKey("app", tenant, []string{req.Scope})

	if !req.ForceRefresh && req.Claims == "" {
		if result, ok := c.cached(key); ok {
			return c.withCorrelation(result, req.CorrelationID), nil
		}
	}

	form := url.Values{}
	form.Set("grant_type", grantClientCredentials)
	form.Set("scope", req.Scope)

	result, _, err := c.requestToken(ctx, form, req.RequestParameters, tenant, []string{req.Scope})
	if err != nil {
		return nil, err
	}
	c.store(key, result, "", "")
	return result, nil
}

// AcquireOnBehalfOf implements ConfidentialClient.
func (c *Client) AcquireOnBehalfOf(ctx context.Context, req OBORequest) (*Result, error) {
	if req.Assertion == "" {
		return nil, fmt.Errorf("on-behalf-of requires the inbound assertion")
	}
	tenant := c.tenantFor(req.TenantID)
	key := cacheKey("obo|"+fingerprint(req.Assertion), tenant, req.Scopes)

	if !req.ForceRefresh && req.Claims == "" {
		if result, ok := c.cached(key); ok {
			return c.withCorrelation(result, req.CorrelationID), nil
		}
	}

	result, _, err := c.exchangeOnBehalfOf(ctx, req, tenant)
	if err != nil {
		return nil, err
	}
	c.store(key, result, "", "")
	return result, nil
}

// InitiateLongRunningOBO implements ConfidentialClient. The returned string
// is the session key: the supplied explicit key, or one derived from the
// inbound assertion when the key is auto, so repeated auto calls for the same
// inbound token rejoin the same session.
func (c *Client) InitiateLongRunningOBO(ctx context.Context, req OBORequest, key SessionKey) (*Result, string, error) {
	if key.IsZero() {
		return nil, "", fmt.Errorf("long-running on-behalf-of requires a session key")
	}
	if req.Assertion == "" {
		return nil, "", fmt.Errorf("assertion is required for on-behalf-of")
	}
	sessionKey := key.Value()
	if key.Auto() {
		sessionKey = fingerprint(req.Assertion)
	}

	tenant := c.tenantFor(req.TenantID)
	resultKey := cacheKey("session|"+sessionKey, tenant, req.Scopes)

	if !req.ForceRefresh && req.Claims == "" {
		if result, ok := c.cached(resultKey); ok {
			return c.withCorrelation(result, req.CorrelationID), sessionKey, nil
		}
	}

	result, refreshToken, err := c.exchangeOnBehalfOf(ctx, req, tenant)
	if err != nil {
		return nil, "", err
	}
	result.SessionKey = sessionKey
	c.store(resultKey, result, "", "")
	if refreshToken != "" {
		c.mu.Lock()
		c.sessions[sessionKey] = refreshToken
		c.mu.Unlock()
	}
	return result, sessionKey, nil
}

// AcquireLongRunningOBO implements ConfidentialClient.
func (c *Client) AcquireLongRunningOBO(ctx context.Context, sessionKey string, scopes []string) (*Result, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("session key is required")
	}
	tenant := c.tenantFor("")
	resultKey := cacheKey("session|"+sessionKey, tenant, scopes)
	if result, ok := c.cached(resultKey); ok {
		return result, nil
	}

	c.mu.RLock()
	refreshToken, ok := c.sessions[sessionKey]
	c.mu.RUnlock()
	if !ok {
		return nil, &ServiceError{
			Code:        codeInteractionRequired,
			Description: fmt.Sprintf("no long-running session for key %q", sessionKey),
		}
	}

	form := url.Values{}
	form.Set("grant_type", grantRefreshToken)
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(scopes, " "))

	result, newRefresh, err := c.requestToken(ctx, form, RequestParameters{}, tenant, scopes)
	if err != nil {
		return nil, err
	}
	result.SessionKey = sessionKey
	c.store(resultKey, result, "", "")
	if newRefresh != "" {
		c.mu.Lock()
		c.sessions[sessionKey] = newRefresh
		c.mu.Unlock()
	}
	return result, nil
}

// AcquireSilent implements ConfidentialClient.
func (c *Client) AcquireSilent(ctx context.Context, req SilentRequest) (*Result, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("account id is required for silent acquisition")
	}
	tenant := c.tenantFor(req.TenantID)
	key := cacheKey("user|"+req.AccountID, tenant, req.Scopes)

	if !req.ForceRefresh && req.Claims == "" {
		if result, ok := c.cached(key); ok {
			return c.withCorrelation(result, req.CorrelationID), nil
		}
	}

	c.mu.RLock()
	refreshToken, ok := c.accounts[req.AccountID]
	c.mu.RUnlock()
	if !ok {
		return nil, &ServiceError{
			Code:        codeInteractionRequired,
			Description: fmt.Sprintf("no cached token for account %q", req.AccountID),
		}
	}

	form := url.Values{}
	form.Set("grant_type", grantRefreshToken)
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(req.Scopes, " "))

	result, newRefresh, err := c.requestToken(ctx, form, req.RequestParameters, tenant, req.Scopes)
	if err != nil {
		return nil, err
	}
	c.store(key, result, req.AccountID, newRefresh)
	return result, nil
}

// RedeemAuthorizationCode implements ConfidentialClient.
func (c *Client) RedeemAuthorizationCode(ctx context.Context, req AuthCodeRequest) (*Result, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	form := url.Values{}
	form.Set("grant_type", grantAuthorizationCode)
	form.Set("code", req.Code)
	form.Set("scope", strings.Join(req.Scopes, " "))
	if req.RedirectURI != "" {
		form.Set("redirect_uri", req.RedirectURI)
	} else if c.cfg.RedirectURI != "" {
		form.Set("redirect_uri", c.cfg.RedirectURI)
	}
	if req.CodeVerifier != "" {
		form.Set("code_verifier", req.CodeVerifier)
	}

	tenant := c.tenantFor(req.TenantID)
	result, refreshToken, err := c.requestToken(ctx, form, req.RequestParameters, tenant, req.Scopes)
	if err != nil {
		return nil, err
	}

	accountID := accountIDFromIDToken(result.IDToken)
	if accountID != "" {
		key := cacheKey("user|"+accountID, tenant, req.Scopes)
		c.store(key, result, accountID, refreshToken)
	}
	return result, nil
}

func (c *Client) exchangeOnBehalfOf(ctx context.Context, req OBORequest, tenant string) (*Result, string, error) {
	form := url.Values{}
	form.Set("grant_type", grantJWTBearer)
	form.Set("assertion", req.Assertion)
	form.Set("requested_token_use", requestedTokenUseOBO)
	form.Set("scope", strings.Join(req.Scopes, " "))

	return c.requestToken(ctx, form, req.RequestParameters, tenant, req.Scopes)
}

// tokenResponse decodes the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    float64 `json:"expires_in"`
	RefreshToken string  `json:"refresh_token"`
	IDToken      string  `json:"id_token"`
	Scope        string  `json:"scope"`
}

// requestToken adds client authentication and shared parameters to the
// form, posts it, and decodes the response.
func (c *Client) requestToken(
	ctx context.Context,
	form url.Values,
	params RequestParameters,
	tenant string,
	scopes []string,
) (*Result, string, error) {
	endpoint, err := c.endpointForTenant(ctx, tenant)
	if err != nil {
		return nil, "", err
	}

	form.Set("client_id", c.cfg.ClientID)
	switch {
	case c.cfg.Credential.Certificate != nil:
		assertion, err := signClientAssertion(c.cfg.Credential.Certificate, c.cfg.ClientID, endpoint, c.cfg.SendX5C)
		if err != nil {
			return nil, "", err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	case c.cfg.Credential.SignedAssertion != "":
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", c.cfg.Credential.SignedAssertion)
	case c.cfg.Credential.Secret != "":
		form.Set("client_secret", c.cfg.Credential.Secret)
	}

	if params.Claims != "" {
		form.Set("claims", params.Claims)
	}
	if params.PopPublicKey != "" {
		form.Set("req_cnf", params.PopPublicKey)
		form.Set("token_type", "pop")
	}
	for key, value := range params.ExtraQueryParameters {
		form.Set(key, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if params.CorrelationID != "" {
		req.Header.Set(correlationHeader, params.CorrelationID)
	}
	for key, value := range params.ExtraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if serviceErr := parseServiceError(resp.StatusCode, body); serviceErr != nil {
			return nil, "", serviceErr
		}
		return nil, "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, "", fmt.Errorf("token endpoint returned empty access_token")
	}

	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	grantedScopes := scopes
	if payload.Scope != "" {
		grantedScopes = strings.Fields(payload.Scope)
	}

	result := &Result{
		AccessToken:        payload.AccessToken,
		IDToken:            payload.IDToken,
		ExpiresOn:          time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		TenantID:           tenant,
		Scopes:             grantedScopes,
		CorrelationID:      params.CorrelationID,
		TokenType:          tokenType,
		BindingCertificate: c.cfg.Credential.Certificate,
	}
	return result, payload.RefreshToken, nil
}

// endpointForTenant resolves the token endpoint, substituting the tenant
// path segment when a request overrides the default tenant.
func (c *Client) endpointForTenant(ctx context.Context, tenant string) (string, error) {
	c.resolveOnce.Do(func() {
		c.tokenURL = c.resolveTokenURL(ctx)
	})
	if tenant == "" || c.cfg.TenantID == "" || tenant == c.cfg.TenantID {
		return c.tokenURL, nil
	}
	substituted := strings.Replace(c.tokenURL, "/"+c.cfg.TenantID+"/", "/"+tenant+"/", 1)
	if substituted == c.tokenURL {
		return "", fmt.Errorf("cannot override tenant %q on token endpoint %q", tenant, c.tokenURL)
	}
	return substituted, nil
}

func (c *Client) resolveTokenURL(ctx context.Context) string {
	fallback := strings.TrimSuffix(c.cfg.Authority, "/") + "/oauth2/v2.0/token"
	if c.cfg.DisableDiscovery {
		return fallback
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), strings.TrimSuffix(c.cfg.Authority, "/"))
	if err != nil {
		logger.Debugf("OIDC discovery failed for %q, using derived token endpoint: %v", c.cfg.Authority, err)
		return fallback
	}
	return provider.Endpoint().TokenURL
}

func (c *Client) tenantFor(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.TenantID
}

func (c *Client) cached(key string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || !entry.fresh() {
		return nil, false
	}
	return entry.result, true
}

func (c *Client) store(key string, result *Result, accountID, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{result: result, expiresOn: result.ExpiresOn}
	if accountID != "" && refreshToken != "" {
		c.accounts[accountID] = refreshToken
	}
}

func (c *Client) withCorrelation(result *Result, correlationID string) *Result {
	if correlationID == "" || result.CorrelationID == correlationID {
		return result
	}
	copied := *result
	copied.CorrelationID = correlationID
	return &copied
}

// cacheKey composes a cache key from a prefix, tenant, and sorted scopes.
func cacheKey(prefix, tenant string, scopes []string) string {
	sorted := make([]string, len(scopes))
	for i, scope := range scopes {
		sorted[i] = strings.ToLower(scope)
	}
	sort.Strings(sorted)
	return prefix + "|" + strings.ToLower(tenant) + "|" + strings.Join(sorted, " ")
}

// fingerprint shortens an assertion into a cache-key-safe digest.
func fingerprint(assertion string) string {
	sum := sha256.Sum256([]byte(assertion))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// accountIDFromIDToken extracts the "{oid}.{tid}" account identifier from an
// unverified id token. The token was just issued over TLS by the authority,
// so no local signature check is needed to derive a cache key from it.
func accountIDFromIDToken(idToken string) string {
	claims, err := parseJWTClaims(idToken)
	if err != nil {
		return ""
	}
	oid, _ := claims["oid"].(string)
	tid, _ := claims["tid"].(string)
	if oid == "" || tid == "" {
		return ""
	}
	return oid + "." + tid
}

// parseJWTClaims decodes a JWT payload without verifying its signature.
func parseJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}
	claims := map[string]any{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}
	return claims, nil
}
