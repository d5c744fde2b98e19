package acquisition

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/authrelay/authrelay/pkg/credential"
	"github.com/authrelay/authrelay/pkg/errors"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/logger"
	"github.com/authrelay/authrelay/pkg/managedidentity"
	"github.com/authrelay/authrelay/pkg/networking"
	"github.com/authrelay/authrelay/pkg/options"
)

// defaultScopeSuffix is the only scope form the client-credentials flow
// accepts; app roles are statically defined at registration time.
const defaultScopeSuffix = "/.default"

// Hook is an observer invoked synchronously at acquisition extension
// points. Nil fields are skipped; hooks run in registration order.
type Hook struct {
	// BeforeClientBuild runs before a confidential client is built for a
	// merged-options entry.
	BeforeClientBuild func(merged *options.MergedOptions)

	// BeforeAppTokenRequest runs before a client-credentials request.
	BeforeAppTokenRequest func(scope string, opts *AcquireOptions)

	// AfterResult runs after any successful acquisition.
	AfterResult func(result *idp.Result)
}

// TokenAcquirer is the long-lived acquisition engine. Construct one with
// New and share it; all methods are safe for concurrent use.
type TokenAcquirer struct {
	store       *options.Store
	resolver    *credential.Resolver
	httpFactory networking.ClientFactory
	idpFactory  idp.Factory
	miCache     *managedidentity.Cache
	host        HostContext
	clients     *clientCache

	hookMu sync.RWMutex
	hooks  []Hook
}

// AcquirerOption configures a TokenAcquirer.
type AcquirerOption func(*TokenAcquirer)

// WithHostContext supplies the hosting layer collaborator.
func WithHostContext(host HostContext) AcquirerOption {
	return func(a *TokenAcquirer) { a.host = host }
}

// WithIdentityProviderFactory replaces the confidential client factory.
func WithIdentityProviderFactory(factory idp.Factory) AcquirerOption {
	return func(a *TokenAcquirer) { a.idpFactory = factory }
}

// WithHTTPClientFactory replaces the HTTP transport factory.
func WithHTTPClientFactory(factory networking.ClientFactory) AcquirerOption {
	return func(a *TokenAcquirer) { a.httpFactory = factory }
}

// WithManagedIdentityCache shares a managed identity client cache.
func WithManagedIdentityCache(cache *managedidentity.Cache) AcquirerOption {
	return func(a *TokenAcquirer) { a.miCache = cache }
}

// WithCredentialResolver replaces the credential resolver.
func WithCredentialResolver(resolver *credential.Resolver) AcquirerOption {
	return func(a *TokenAcquirer) { a.resolver = resolver }
}

// New creates a TokenAcquirer over a merged-options store.
func New(store *options.Store, opts ...AcquirerOption) *TokenAcquirer {
	acquirer := &TokenAcquirer{
		store:       store,
		httpFactory: networking.DefaultClientFactory{},
		idpFactory:  idp.DefaultFactory,
		host:        (*StaticHost)(nil),
	}
	for _, opt := range opts {
		opt(acquirer)
	}
	if acquirer.host == nil {
		acquirer.host = (*StaticHost)(nil)
	}
	if acquirer.miCache == nil {
		acquirer.miCache = managedidentity.NewCache(nil)
	}
	if acquirer.resolver == nil {
		acquirer.resolver = credential.NewResolver(acquirer.miCache)
	}
	acquirer.clients = newClientCache(acquirer.buildClient)
	return acquirer
}

// AddHook appends an observer. Hooks registered after acquisitions start
// apply to subsequent calls.
func (a *TokenAcquirer) AddHook(hook Hook) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.hooks = append(a.hooks, hook)
}

func (a *TokenAcquirer) eachHook(visit func(Hook)) {
	a.hookMu.RLock()
	hooks := a.hooks
	a.hookMu.RUnlock()
	for _, hook := range hooks {
		visit(hook)
	}
}

// buildClient is the client cache's builder: it resolves the redirect URI,
// the first valid credential, and an mTLS-capable transport when the
// credential surfaces a binding certificate.
func (a *TokenAcquirer) buildClient(ctx context.Context, merged *options.MergedOptions) (idp.ConfidentialClient, error) {
	a.eachHook(func(h Hook) {
		if h.BeforeClientBuild != nil {
			h.BeforeClientBuild(merged)
		}
	})

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	redirectURI := merged.RedirectURI
	if redirectURI == "" {
		redirectURI = a.host.CurrentRedirectURI()
	}

	description, err := a.resolver.FirstValid(ctx, merged.ClientCredentials)
	if err != nil {
		return nil, errors.NewCredentialError("resolving client credentials", err)
	}

	var cred idp.Credential
	if description != nil {
		switch {
		case description.IsCertificate():
			cred.Certificate = description.Certificate
		case description.IsSignedAssertion():
			cred.SignedAssertion = description.CachedAssertion
		default:
			cred.Secret = description.Secret
		}
	}

	httpClient, err := a.httpFactory.Client(cred.Certificate)
	if err != nil {
		return nil, errors.NewInternalError("building HTTP client", err)
	}

	return a.idpFactory(ctx, idp.Config{
		Authority:   merged.EffectiveAuthority(),
		ClientID:    merged.ClientID,
		TenantID:    merged.TenantID,
		Credential:  cred,
		SendX5C:     merged.SendX5C,
		RedirectURI: redirectURI,
		HTTPClient:  httpClient,
	})
}

// GetTokenForApp acquires an application token through the
// client-credentials flow, or the platform managed identity endpoint when
// WithManagedIdentity is set. The scope must be a "/.default" scope and the
// resolved tenant must be a real tenant, checked before any network call.
func (a *TokenAcquirer) GetTokenForApp(ctx context.Context, scope string, opts ...Option) (*idp.Result, error) {
	o := applyOptions(opts)

	if !strings.HasSuffix(strings.ToLower(scope), defaultScopeSuffix) {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("app scope %q must end in %q", scope, defaultScopeSuffix), nil)
	}

	if o.ManagedIdentity != nil {
		return a.getTokenFromManagedIdentity(ctx, scope, &o)
	}

	merged := a.store.Get(o.Scheme)
	tenant := o.Tenant
	if tenant == "" {
		tenant = merged.TenantID
	}
	if strings.EqualFold(tenant, "common") || strings.EqualFold(tenant, "organizations") {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("app tokens require a specific tenant, got %q", tenant), nil)
	}

	return a.getTokenForApp(ctx, scope, merged, &o, false)
}

func (a *TokenAcquirer) getTokenForApp(
	ctx context.Context,
	scope string,
	merged *options.MergedOptions,
	o *AcquireOptions,
	retried bool,
) (*idp.Result, error) {
	client, err := a.clients.GetOrBuild(ctx, merged)
	if err != nil {
		return nil, err
	}

	a.eachHook(func(h Hook) {
		if h.BeforeAppTokenRequest != nil {
			h.BeforeAppTokenRequest(scope, o)
		}
	})

	result, err := client.AcquireForClient(ctx, idp.ClientRequest{
		RequestParameters: o.requestParameters(),
		Scope:             scope,
	})
	if err != nil {
		if recovered := a.recoverCertificateFailure(err, merged, retried); recovered {
			return a.getTokenForApp(ctx, scope, merged, o, true)
		}
		return nil, certificateFailure(err, retried)
	}

	a.emitResult(result)
	return result, nil
}

func (a *TokenAcquirer) getTokenFromManagedIdentity(ctx context.Context, scope string, o *AcquireOptions) (*idp.Result, error) {
	client, err := a.miCache.GetOrBuild(ctx, *o.ManagedIdentity)
	if err != nil {
		return nil, err
	}

	// The managed identity endpoint takes a resource, not a scope.
	resource := scope[:len(scope)-len(defaultScopeSuffix)]
	token, err := client.AcquireToken(ctx, resource)
	if err != nil {
		return nil, err
	}

	result := &idp.Result{
		AccessToken:   token.AccessToken,
		ExpiresOn:     token.Expiry,
		Scopes:        []string{scope},
		CorrelationID: o.CorrelationID,
		TokenType:     "Bearer",
	}
	a.emitResult(result)
	return result, nil
}

// GetTokenForUser acquires a token for the signed-in user: an on-behalf-of
// exchange when the host surfaces an inbound token (optionally the
// long-running variant), otherwise a silent cache lookup for the
// authenticated account. Interaction-required signals come back as a
// *ChallengeError.
func (a *TokenAcquirer) GetTokenForUser(ctx context.Context, scopes []string, opts ...Option) (*idp.Result, error) {
	if len(scopes) == 0 {
		return nil, errors.NewInvalidArgumentError("at least one scope is required", nil)
	}
	o := applyOptions(opts)
	merged := a.store.Get(o.Scheme)

	user := a.host.AuthenticatedUser()
	inbound := a.host.InboundToken()
	if user == nil && inbound != "" {
		user = userFromToken(inbound)
	}

	userFlow := o.UserFlow
	if userFlow == "" {
		userFlow = merged.DefaultUserFlow
	}
	if userFlow == "" && user != nil {
		userFlow = user.UserFlow
	}

	tenant := o.Tenant
	if tenant == "" && user != nil {
		tenant = user.TenantID
	}
	if tenant == "" {
		tenant = merged.TenantID
	}

	return a.getTokenForUser(ctx, scopes, merged, &o, user, inbound, userFlow, tenant, false)
}

//nolint:gocyclo // the flow selection is one decision tree, clearer in one place
func (a *TokenAcquirer) getTokenForUser(
	ctx context.Context,
	scopes []string,
	merged *options.MergedOptions,
	o *AcquireOptions,
	user *User,
	inbound string,
	userFlow string,
	tenant string,
	retried bool,
) (*idp.Result, error) {
	client, err := a.clients.GetOrBuild(ctx, merged)
	if err != nil {
		return nil, err
	}

	params := o.requestParameters()
	params.TenantID = tenant

	var result *idp.Result
	switch {
	case inbound != "" && !o.LongRunningSessionKey.IsZero():
		var sessionKey string
		result, sessionKey, err = client.InitiateLongRunningOBO(ctx, idp.OBORequest{
			RequestParameters: params,
			Assertion:         inbound,
			Scopes:            scopes,
		}, o.LongRunningSessionKey)
		if err == nil && result.SessionKey != sessionKey {
			// Copy before annotating so the client's cached result stays
			// untouched.
			annotated := *result
			annotated.SessionKey = sessionKey
			result = &annotated
		}

	case inbound != "":
		result, err = client.AcquireOnBehalfOf(ctx, idp.OBORequest{
			RequestParameters: params,
			Assertion:         inbound,
			Scopes:            scopes,
		})

	case !o.LongRunningSessionKey.IsZero() && !o.LongRunningSessionKey.Auto():
		// Rejoining a long-running session needs no inbound token.
		result, err = client.AcquireLongRunningOBO(ctx, o.LongRunningSessionKey.Value(), scopes)

	default:
		if user == nil {
			return nil, &ChallengeError{
				Scopes:   scopes,
				UserFlow: userFlow,
				Err:      errors.NewInteractionRequiredError("no authenticated user in the host context", nil),
			}
		}
		result, err = client.AcquireSilent(ctx, idp.SilentRequest{
			RequestParameters: params,
			AccountID:         accountID(user, userFlow, merged.IsB2C()),
			Scopes:            scopes,
		})
	}

	if err != nil {
		var serviceErr *idp.ServiceError
		if goerrors.As(err, &serviceErr) && serviceErr.InteractionRequired() {
			return nil, &ChallengeError{
				Scopes:   scopes,
				UserFlow: userFlow,
				Err:      errors.NewInteractionRequiredError("identity provider requires user interaction", err),
			}
		}
		if recovered := a.recoverCertificateFailure(err, merged, retried); recovered {
			return a.getTokenForUser(ctx, scopes, merged, o, user, inbound, userFlow, tenant, true)
		}
		return nil, certificateFailure(err, retried)
	}

	a.emitResult(result)
	return result, nil
}

// RedeemAuthorizationCode completes the authorization-code flow, seeding
// the identity provider client's token cache for the signed-in account.
func (a *TokenAcquirer) RedeemAuthorizationCode(ctx context.Context, code string, scopes []string, opts ...Option) (*idp.Result, error) {
	if code == "" {
		return nil, errors.NewInvalidArgumentError("authorization code is required", nil)
	}
	o := applyOptions(opts)
	merged := a.store.Get(o.Scheme)

	client, err := a.clients.GetOrBuild(ctx, merged)
	if err != nil {
		return nil, err
	}

	redirectURI := merged.RedirectURI
	if redirectURI == "" {
		redirectURI = a.host.CurrentRedirectURI()
	}

	result, err := client.RedeemAuthorizationCode(ctx, idp.AuthCodeRequest{
		RequestParameters: o.requestParameters(),
		Code:              code,
		RedirectURI:       redirectURI,
		Scopes:            scopes,
	})
	if err != nil {
		return nil, err
	}

	a.emitResult(result)
	return result, nil
}

// AuthorizationHeaderForApp is GetTokenForApp rendered as an Authorization
// header value.
func (a *TokenAcquirer) AuthorizationHeaderForApp(ctx context.Context, scope string, opts ...Option) (string, error) {
	result, err := a.GetTokenForApp(ctx, scope, opts...)
	if err != nil {
		return "", err
	}
	return HeaderValue(result), nil
}

// AuthorizationHeaderForUser is GetTokenForUser rendered as an
// Authorization header value.
func (a *TokenAcquirer) AuthorizationHeaderForUser(ctx context.Context, scopes []string, opts ...Option) (string, error) {
	result, err := a.GetTokenForUser(ctx, scopes, opts...)
	if err != nil {
		return "", err
	}
	return HeaderValue(result), nil
}

// HeaderValue renders a result as an Authorization header value, mapping
// the provider's token type to the wire scheme.
func HeaderValue(result *idp.Result) string {
	scheme := result.TokenType
	switch {
	case scheme == "" || strings.EqualFold(scheme, "bearer"):
		scheme = "Bearer"
	case strings.EqualFold(scheme, "pop"):
		scheme = "PoP"
	}
	return scheme + " " + result.AccessToken
}

// recoverCertificateFailure implements the invalidate-and-retry-once
// protocol for provider certificate-validity errors. The retried guard is
// threaded through the call stack so one caller's retry never suppresses
// another's.
func (a *TokenAcquirer) recoverCertificateFailure(err error, merged *options.MergedOptions, retried bool) bool {
	if retried || !isCertificateError(err) {
		return false
	}
	logger.Warnf("Identity provider rejected the client certificate for %q, reloading credentials and retrying once: %v",
		merged.AuthorityKey(), err)
	credential.Reset(merged.ClientCredentials)
	a.clients.Invalidate(merged.AuthorityKey())
	return true
}

func (a *TokenAcquirer) emitResult(result *idp.Result) {
	a.eachHook(func(h Hook) {
		if h.AfterResult != nil {
			h.AfterResult(result)
		}
	})
}

// accountID derives the provider token-cache account identifier from the
// user's claims. B2C accounts embed the user flow the account signed in
// with.
func accountID(user *User, userFlow string, b2c bool) string {
	if b2c && userFlow != "" {
		return fmt.Sprintf("%s-%s.%s", user.ObjectID, userFlow, user.TenantID)
	}
	return user.ObjectID + "." + user.TenantID
}

// userFromToken derives the user principal from the inbound token's claims
// without verifying it; the hosting layer already authenticated the call.
func userFromToken(token string) *User {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		logger.Debugf("Inbound token is not a parseable JWT: %v", err)
		return nil
	}
	user := &User{}
	_ = parsed.Get("oid", &user.ObjectID)
	_ = parsed.Get("tid", &user.TenantID)
	_ = parsed.Get("tfp", &user.UserFlow)
	if user.ObjectID == "" && user.TenantID == "" {
		return nil
	}
	return user
}
