package acquisition

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/pkg/credential"
	"github.com/authrelay/authrelay/pkg/errors"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/managedidentity"
	"github.com/authrelay/authrelay/pkg/options"
)

// fakeIDP is a scriptable ConfidentialClient: errs are popped one per call,
// a nil entry meaning success.
type fakeIDP struct {
	mu sync.Mutex

	clientCalls   int
	oboCalls      int
	silentCalls   int
	initiateCalls int
	rejoinCalls   int

	lastClientReq idp.ClientRequest
	lastOBOReq    idp.OBORequest
	lastSilentReq idp.SilentRequest
	lastSession   idp.SessionKey
	lastRejoinKey string

	errs []error
}

func (f *fakeIDP) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeIDP) result() *idp.Result {
	return &idp.Result{
		AccessToken: "fake-token",
		ExpiresOn:   time.Now().Add(time.Hour),
		TokenType:   "Bearer",
	}
}

func (f *fakeIDP) AcquireForClient(_ context.Context, req idp.ClientRequest) (*idp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientCalls++
	f.lastClientReq = req
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.result(), nil
}

func (f *fakeIDP) AcquireOnBehalfOf(_ context.Context, req idp.OBORequest) (*idp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oboCalls++
	f.lastOBOReq = req
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.result(), nil
}

func (f *fakeIDP) AcquireSilent(_ context.Context, req idp.SilentRequest) (*idp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentCalls++
	f.lastSilentReq = req
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.result(), nil
}

func (f *fakeIDP) RedeemAuthorizationCode(_ context.Context, req idp.AuthCodeRequest) (*idp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.result(), nil
}

func (f *fakeIDP) InitiateLongRunningOBO(_ context.Context, req idp.OBORequest, key idp.SessionKey) (*idp.Result, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls++
	f.lastOBOReq = req
	f.lastSession = key
	if err := f.nextErr(); err != nil {
		return nil, "", err
	}
	return f.result(), "session-1", nil
}

func (f *fakeIDP) AcquireLongRunningOBO(_ context.Context, sessionKey string, _ []string) (*idp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejoinCalls++
	f.lastRejoinKey = sessionKey
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.result(), nil
}

func (f *fakeIDP) BoundCertificate() *tls.Certificate {
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	builds  int
	configs []idp.Config
	client  *fakeIDP
}

func (f *fakeFactory) factory(_ context.Context, cfg idp.Config) (idp.ConfidentialClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.configs = append(f.configs, cfg)
	return f.client, nil
}

func testStore() *options.Store {
	store := options.NewStore()
	store.Merge("", &options.MergedOptions{
		Instance: "https://login.example.com/",
		TenantID: "contoso.onmicrosoft.com",
		ClientID: "client-123",
		ClientCredentials: []*credential.Description{
			{ID: "secret", Source: credential.SourceSecret, Secret: "s3cret"},
		},
	})
	return store
}

func newTestAcquirer(host HostContext, fake *fakeIDP) (*TokenAcquirer, *fakeFactory) {
	factory := &fakeFactory{client: fake}
	acquirer := New(testStore(),
		WithHostContext(host),
		WithIdentityProviderFactory(factory.factory))
	return acquirer, factory
}

func TestGetTokenForAppScopeValidation(t *testing.T) {
	t.Parallel()

	acquirer, factory := newTestAcquirer(nil, &fakeIDP{})

	_, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgument(err))
	assert.Equal(t, 0, factory.builds, "validation must fail before any client build")

	// The suffix check is case-insensitive.
	_, err = acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.DEFAULT")
	require.NoError(t, err)
}

func TestGetTokenForAppRejectsMetaTenants(t *testing.T) {
	t.Parallel()

	for _, tenant := range []string{"common", "organizations", "COMMON"} {
		acquirer, factory := newTestAcquirer(nil, &fakeIDP{})
		_, err := acquirer.GetTokenForApp(context.Background(),
			"https://graph.example.com/.default", WithTenant(tenant))
		require.Error(t, err, "tenant %q", tenant)
		assert.True(t, errors.IsInvalidArgument(err))
		assert.Equal(t, 0, factory.builds)
	}
}

func TestGetTokenForAppReusesClient(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	acquirer, factory := newTestAcquirer(nil, fake)

	result, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.NoError(t, err)
	assert.Equal(t, "fake-token", result.AccessToken)

	_, err = acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.NoError(t, err)

	assert.Equal(t, 1, factory.builds, "the confidential client is cached per authority key")
	assert.Equal(t, 2, fake.clientCalls)
	assert.Equal(t, "s3cret", factory.configs[0].Credential.Secret)
}

func TestConcurrentBuildsPublishOneClient(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	acquirer, factory := newTestAcquirer(nil, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, factory.builds, "concurrent first-time builds must collapse to one")
}

func certError() *idp.ServiceError {
	return &idp.ServiceError{
		Code:        "invalid_client",
		Description: "AADSTS700027: client assertion contains an invalid signature",
		StatusCode:  401,
	}
}

func TestCertificateFailureRetriesOnce(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{errs: []error{certError()}}
	acquirer, factory := newTestAcquirer(nil, fake)

	result, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.NoError(t, err)
	assert.Equal(t, "fake-token", result.AccessToken)
	assert.Equal(t, 2, fake.clientCalls, "one retry after the certificate failure")
	assert.Equal(t, 2, factory.builds, "the cached client is rebuilt on retry")
}

func TestCertificateFailureSurfacesAfterSecondFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{errs: []error{certError(), certError()}}
	acquirer, _ := newTestAcquirer(nil, fake)

	_, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.Error(t, err)
	assert.True(t, errors.IsCertificate(err), "a second rejection is classified as a certificate failure")

	var serviceErr *idp.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, 2, fake.clientCalls, "exactly one retry, then the error surfaces")
}

func TestNonCertificateErrorNotRetried(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{errs: []error{&idp.ServiceError{Code: "invalid_scope", StatusCode: 400}}}
	acquirer, _ := newTestAcquirer(nil, fake)

	_, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.Error(t, err)
	assert.Equal(t, 1, fake.clientCalls)
}

func TestGetTokenForUserOnBehalfOf(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	host := &StaticHost{
		User:  &User{ObjectID: "oid-1", TenantID: "user-tenant"},
		Token: "inbound-token",
	}
	acquirer, _ := newTestAcquirer(host, fake)

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.oboCalls)
	assert.Equal(t, "inbound-token", fake.lastOBOReq.Assertion)
	assert.Equal(t, "user-tenant", fake.lastOBOReq.TenantID, "the user's tenant claim wins over the app default")

	_, err = acquirer.GetTokenForUser(context.Background(), []string{"user.read"}, WithTenant("explicit"))
	require.NoError(t, err)
	assert.Equal(t, "explicit", fake.lastOBOReq.TenantID, "an explicit tenant wins over the user's claim")
}

func TestGetTokenForUserLongRunning(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	host := &StaticHost{Token: "inbound-token"}
	acquirer, _ := newTestAcquirer(host, fake)

	result, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"},
		WithLongRunningSession(idp.AutoSessionKey()))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.initiateCalls)
	assert.True(t, fake.lastSession.Auto())
	assert.Equal(t, "session-1", result.SessionKey, "the session key travels on the result")

	// Rejoining by explicit key needs no inbound token.
	noTokenHost := &StaticHost{}
	acquirer, _ = newTestAcquirer(noTokenHost, fake)
	_, err = acquirer.GetTokenForUser(context.Background(), []string{"user.read"},
		WithLongRunningSession(idp.ExplicitSessionKey("session-1")))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.rejoinCalls)
	assert.Equal(t, "session-1", fake.lastRejoinKey)
}

func TestGetTokenForUserSilentAccountID(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	host := &StaticHost{User: &User{ObjectID: "oid-1", TenantID: "tid-1"}}
	acquirer, _ := newTestAcquirer(host, fake)

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.silentCalls)
	assert.Equal(t, "oid-1.tid-1", fake.lastSilentReq.AccountID)
}

func TestGetTokenForUserB2CAccountID(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	factory := &fakeFactory{client: fake}
	store := options.NewStore()
	store.Merge("", &options.MergedOptions{
		Instance:        "https://contoso.b2clogin.com/",
		Domain:          "contoso.onmicrosoft.com",
		TenantID:        "tid-1",
		ClientID:        "client-123",
		DefaultUserFlow: "b2c_1_susi",
		ClientCredentials: []*credential.Description{
			{ID: "secret", Source: credential.SourceSecret, Secret: "s3cret"},
		},
	})
	host := &StaticHost{User: &User{ObjectID: "oid-1", TenantID: "tid-1"}}
	acquirer := New(store,
		WithHostContext(host),
		WithIdentityProviderFactory(factory.factory))

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"})
	require.NoError(t, err)
	assert.Equal(t, "oid-1-b2c_1_susi.tid-1", fake.lastSilentReq.AccountID)
	assert.Contains(t, factory.configs[0].Authority, "tfp/contoso.onmicrosoft.com/b2c_1_susi")
}

func TestGetTokenForUserChallenge(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{errs: []error{&idp.ServiceError{Code: "interaction_required", StatusCode: 400}}}
	host := &StaticHost{User: &User{ObjectID: "oid-1", TenantID: "tid-1"}}
	acquirer, _ := newTestAcquirer(host, fake)

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read", "mail.read"})
	require.Error(t, err)

	var challenge *ChallengeError
	require.ErrorAs(t, err, &challenge)
	assert.Equal(t, []string{"user.read", "mail.read"}, challenge.Scopes)
	assert.True(t, errors.IsInteractionRequired(challenge.Err))

	var serviceErr *idp.ServiceError
	require.ErrorAs(t, challenge.Err, &serviceErr, "the provider error stays reachable")
}

func TestGetTokenForUserNoIdentity(t *testing.T) {
	t.Parallel()

	acquirer, _ := newTestAcquirer(&StaticHost{}, &fakeIDP{})

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"})
	require.Error(t, err)

	var challenge *ChallengeError
	require.ErrorAs(t, err, &challenge)
	assert.True(t, errors.IsInteractionRequired(challenge.Err))
}

func TestGetTokenForUserFromInboundClaims(t *testing.T) {
	t.Parallel()

	// No authenticated user: the principal is derived from the inbound
	// token's claims for tenant selection.
	token := testJWT(t, map[string]any{"oid": "oid-9", "tid": "tid-9"})
	fake := &fakeIDP{}
	acquirer, _ := newTestAcquirer(&StaticHost{Token: token}, fake)

	_, err := acquirer.GetTokenForUser(context.Background(), []string{"user.read"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.oboCalls)
	assert.Equal(t, "tid-9", fake.lastOBOReq.TenantID)
}

func TestGetTokenFromManagedIdentity(t *testing.T) {
	t.Parallel()

	var gotResource string
	miCache := managedidentity.NewCache(func(_ context.Context, _ managedidentity.ID) (managedidentity.TokenClient, error) {
		return tokenClientFunc(func(_ context.Context, resource string) (*oauth2.Token, error) {
			gotResource = resource
			return &oauth2.Token{AccessToken: "mi-token", Expiry: time.Now().Add(time.Hour)}, nil
		}), nil
	})
	acquirer := New(testStore(), WithManagedIdentityCache(miCache))

	result, err := acquirer.GetTokenForApp(context.Background(),
		"https://vault.example.com/.default",
		WithManagedIdentity(managedidentity.SystemAssigned()))
	require.NoError(t, err)
	assert.Equal(t, "mi-token", result.AccessToken)
	assert.Equal(t, "https://vault.example.com", gotResource, "the /.default suffix is stripped for the resource form")
}

type tokenClientFunc func(ctx context.Context, resource string) (*oauth2.Token, error)

func (f tokenClientFunc) AcquireToken(ctx context.Context, resource string) (*oauth2.Token, error) {
	return f(ctx, resource)
}

func TestHeaderValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Bearer abc", HeaderValue(&idp.Result{AccessToken: "abc"}))
	assert.Equal(t, "Bearer abc", HeaderValue(&idp.Result{AccessToken: "abc", TokenType: "bearer"}))
	assert.Equal(t, "PoP abc", HeaderValue(&idp.Result{AccessToken: "abc", TokenType: "pop"}))
}

func TestHooksObserveAcquisition(t *testing.T) {
	t.Parallel()

	fake := &fakeIDP{}
	acquirer, _ := newTestAcquirer(nil, fake)

	var order []string
	acquirer.AddHook(Hook{
		BeforeClientBuild:     func(*options.MergedOptions) { order = append(order, "build") },
		BeforeAppTokenRequest: func(string, *AcquireOptions) { order = append(order, "request") },
		AfterResult:           func(*idp.Result) { order = append(order, "result") },
	})

	_, err := acquirer.GetTokenForApp(context.Background(), "https://graph.example.com/.default")
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "request", "result"}, order)
}

func testJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return fmt.Sprintf("%s.%s.",
		base64.RawURLEncoding.EncodeToString(header),
		base64.RawURLEncoding.EncodeToString(payload))
}
