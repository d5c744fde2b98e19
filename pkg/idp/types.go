// Package idp is the identity-provider client boundary: the interfaces the
// token acquirer drives, and a default implementation speaking the OAuth 2.0
// token endpoint protocol (client credentials, on-behalf-of, refresh,
// authorization code) with an in-memory token cache.
package idp

import (
	"context"
	"crypto/tls"
	"time"
)

// Result is a token issued by the identity provider.
type Result struct {
	// AccessToken authorizes calls to the downstream API.
	AccessToken string

	// IDToken is present after authorization-code redemption.
	IDToken string

	// ExpiresOn is when the access token stops being usable.
	ExpiresOn time.Time

	// TenantID is the tenant the token was issued for.
	TenantID string

	// Scopes the token was granted.
	Scopes []string

	// CorrelationID is the id the request was correlated with.
	CorrelationID string

	// TokenType is the authorization scheme, "Bearer" unless the request
	// asked for proof-of-possession.
	TokenType string

	// SessionKey identifies the long-running on-behalf-of session this
	// token belongs to. Empty outside the long-running flow. Callers hold
	// on to it to rejoin the session later.
	SessionKey string

	// BindingCertificate is the client certificate the issuing client was
	// bound to, when one was used.
	BindingCertificate *tls.Certificate
}

// RequestParameters are the per-request knobs shared by all flows.
type RequestParameters struct {
	// TenantID overrides the client's default tenant for this request.
	TenantID string

	// Claims is a claims-challenge blob to forward to the provider.
	Claims string

	// ForceRefresh bypasses the token cache.
	ForceRefresh bool

	// ExtraQueryParameters are appended to the token request form.
	ExtraQueryParameters map[string]string

	// ExtraHeaders are added to the token request.
	ExtraHeaders map[string]string

	// CorrelationID is propagated onto the result.
	CorrelationID string

	// PopPublicKey requests a proof-of-possession token bound to this key.
	PopPublicKey string
}

// ClientRequest is a client-credentials token request.
type ClientRequest struct {
	RequestParameters

	// Scope is the single resource scope, ending in "/.default".
	Scope string
}

// OBORequest exchanges an inbound user token for a downstream token.
type OBORequest struct {
	RequestParameters

	// Assertion is the inbound access token used to call this API.
	Assertion string

	// Scopes to request for the downstream API.
	Scopes []string
}

// SilentRequest reads the token cache for a known account, refreshing
// through the provider when the cached access token is stale.
type SilentRequest struct {
	RequestParameters

	// AccountID identifies the account in the token cache.
	AccountID string

	// Scopes to request.
	Scopes []string
}

// AuthCodeRequest redeems an authorization code, populating the token cache
// for the signed-in account.
type AuthCodeRequest struct {
	RequestParameters

	// Code is the authorization code.
	Code string

	// RedirectURI must match the one used on the authorize leg.
	RedirectURI string

	// CodeVerifier is the PKCE verifier, when PKCE was used.
	CodeVerifier string

	// Scopes to request.
	Scopes []string
}

// SessionKey identifies a long-running on-behalf-of session. The zero value
// is invalid; construct with AutoSessionKey or ExplicitSessionKey.
type SessionKey struct {
	auto  bool
	value string
}

// AutoSessionKey lets the client derive the session key from the inbound
// assertion. Initiating twice with the same assertion rejoins one session.
func AutoSessionKey() SessionKey {
	return SessionKey{auto: true}
}

// ExplicitSessionKey names the session key to use.
func ExplicitSessionKey(value string) SessionKey {
	return SessionKey{value: value}
}

// Auto reports whether the client should pick the key.
func (k SessionKey) Auto() bool {
	return k.auto
}

// Value returns the explicit key, or "" for auto.
func (k SessionKey) Value() string {
	return k.value
}

// IsZero reports whether no session key was supplied at all.
func (k SessionKey) IsZero() bool {
	return !k.auto && k.value == ""
}

// ConfidentialClient executes token flows against one authority for one
// client identity. Implementations own their token cache and are safe for
// concurrent use.
type ConfidentialClient interface {
	// AcquireForClient runs the client-credentials flow.
	AcquireForClient(ctx context.Context, req ClientRequest) (*Result, error)

	// AcquireOnBehalfOf exchanges an inbound user token.
	AcquireOnBehalfOf(ctx context.Context, req OBORequest) (*Result, error)

	// AcquireSilent resolves a token from the cache, refreshing if needed.
	AcquireSilent(ctx context.Context, req SilentRequest) (*Result, error)

	// RedeemAuthorizationCode redeems a code and caches the account tokens.
	RedeemAuthorizationCode(ctx context.Context, req AuthCodeRequest) (*Result, error)

	// InitiateLongRunningOBO starts (or rejoins) a long-running
	// on-behalf-of session and returns the key that identifies it.
	InitiateLongRunningOBO(ctx context.Context, req OBORequest, key SessionKey) (*Result, string, error)

	// AcquireLongRunningOBO continues a long-running session by key.
	AcquireLongRunningOBO(ctx context.Context, sessionKey string, scopes []string) (*Result, error)

	// BoundCertificate returns the certificate the client credential is
	// bound to, or nil.
	BoundCertificate() *tls.Certificate
}
