package acquisition

import (
	"github.com/google/uuid"

	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/managedidentity"
)

// AcquireOptions is the per-call override bag. Values are fixed once the
// call starts; the claims-challenge retry in the downstream engine builds a
// fresh set rather than mutating these.
type AcquireOptions struct {
	// Scheme selects the merged-options entry, "" for the default.
	Scheme string

	// Tenant overrides the token request's tenant.
	Tenant string

	// UserFlow overrides the B2C user flow.
	UserFlow string

	// Claims is a claims-challenge blob forwarded to the provider.
	Claims string

	// ForceRefresh bypasses token caches.
	ForceRefresh bool

	// ExtraQueryParameters are appended to the token request form.
	ExtraQueryParameters map[string]string

	// ExtraHeaders are added to the token request.
	ExtraHeaders map[string]string

	// CorrelationID tags the request for diagnostics.
	CorrelationID string

	// PopPublicKey requests a proof-of-possession token bound to the key.
	PopPublicKey string

	// LongRunningSessionKey selects the long-running on-behalf-of variant.
	LongRunningSessionKey idp.SessionKey

	// ManagedIdentity routes app-context acquisition through the platform
	// managed identity endpoint instead of a client credential.
	ManagedIdentity *managedidentity.ID
}

// Option mutates AcquireOptions.
type Option func(*AcquireOptions)

func applyOptions(opts []Option) AcquireOptions {
	var options AcquireOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.CorrelationID == "" {
		options.CorrelationID = uuid.NewString()
	}
	return options
}

// WithScheme selects a named authentication scheme.
func WithScheme(scheme string) Option {
	return func(o *AcquireOptions) { o.Scheme = scheme }
}

// WithTenant overrides the tenant for this call.
func WithTenant(tenant string) Option {
	return func(o *AcquireOptions) { o.Tenant = tenant }
}

// WithUserFlow overrides the B2C user flow for this call.
func WithUserFlow(userFlow string) Option {
	return func(o *AcquireOptions) { o.UserFlow = userFlow }
}

// WithClaims forwards a claims challenge to the provider.
func WithClaims(claims string) Option {
	return func(o *AcquireOptions) { o.Claims = claims }
}

// WithForceRefresh bypasses token caches for this call.
func WithForceRefresh(force bool) Option {
	return func(o *AcquireOptions) { o.ForceRefresh = force }
}

// WithExtraQueryParameters appends parameters to the token request form.
func WithExtraQueryParameters(params map[string]string) Option {
	return func(o *AcquireOptions) { o.ExtraQueryParameters = params }
}

// WithExtraHeaders adds headers to the token request.
func WithExtraHeaders(headers map[string]string) Option {
	return func(o *AcquireOptions) { o.ExtraHeaders = headers }
}

// WithCorrelationID tags the request for diagnostics.
func WithCorrelationID(correlationID string) Option {
	return func(o *AcquireOptions) { o.CorrelationID = correlationID }
}

// WithPopKey requests a proof-of-possession token bound to the key.
func WithPopKey(popPublicKey string) Option {
	return func(o *AcquireOptions) { o.PopPublicKey = popPublicKey }
}

// WithLongRunningSession selects the long-running on-behalf-of variant.
func WithLongRunningSession(key idp.SessionKey) Option {
	return func(o *AcquireOptions) { o.LongRunningSessionKey = key }
}

// WithManagedIdentity acquires app tokens through the platform managed
// identity endpoint.
func WithManagedIdentity(id managedidentity.ID) Option {
	return func(o *AcquireOptions) { o.ManagedIdentity = &id }
}

func (o *AcquireOptions) requestParameters() idp.RequestParameters {
	return idp.RequestParameters{
		TenantID:             o.Tenant,
		Claims:               o.Claims,
		ForceRefresh:         o.ForceRefresh,
		ExtraQueryParameters: o.ExtraQueryParameters,
		ExtraHeaders:         o.ExtraHeaders,
		CorrelationID:        o.CorrelationID,
		PopPublicKey:         o.PopPublicKey,
	}
}
