// Package acquisition is the token-acquisition facade: it resolves merged
// options and a cached confidential client, then runs the right OAuth flow
// for a user or app context, with certificate-failure recovery and typed
// challenge errors.
package acquisition

// User is the signed-in principal a user-context acquisition acts for.
type User struct {
	// ObjectID is the user's object id claim.
	ObjectID string

	// TenantID is the user's home tenant claim.
	TenantID string

	// UserFlow is the B2C trust-framework policy the user signed in with,
	// when applicable.
	UserFlow string
}

// HostContext supplies the per-request facts owned by the hosting layer:
// who is signed in, the token they presented, and where interactive flows
// redirect back to.
type HostContext interface {
	// AuthenticatedUser returns the signed-in user, or nil.
	AuthenticatedUser() *User

	// InboundToken returns the access token used to call this API, or ""
	// when the process is not itself a downstream API.
	InboundToken() string

	// CurrentRedirectURI returns the redirect URI for interactive flows,
	// or "".
	CurrentRedirectURI() string
}

// StaticHost is a HostContext with fixed values, for daemons and tests.
type StaticHost struct {
	User        *User
	Token       string
	RedirectURI string
}

var _ HostContext = (*StaticHost)(nil)

// AuthenticatedUser implements HostContext.
func (h *StaticHost) AuthenticatedUser() *User {
	if h == nil {
		return nil
	}
	return h.User
}

// InboundToken implements HostContext.
func (h *StaticHost) InboundToken() string {
	if h == nil {
		return ""
	}
	return h.Token
}

// CurrentRedirectURI implements HostContext.
func (h *StaticHost) CurrentRedirectURI() string {
	if h == nil {
		return ""
	}
	return h.RedirectURI
}
