package downstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/authrelay/authrelay/pkg/acquisition"
	"github.com/authrelay/authrelay/pkg/errors"
	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/logger"
)

// maxErrorBodySize caps how much of a failed response is surfaced in the
// error message (64 KB).
const maxErrorBodySize = 64 << 10

// TokenProvider is the slice of the token acquirer the call engine needs.
// *acquisition.TokenAcquirer satisfies it.
type TokenProvider interface {
	GetTokenForApp(ctx context.Context, scope string, opts ...acquisition.Option) (*idp.Result, error)
	GetTokenForUser(ctx context.Context, scopes []string, opts ...acquisition.Option) (*idp.Result, error)
}

var _ TokenProvider = (*acquisition.TokenAcquirer)(nil)

// API calls downstream web APIs with tokens from the acquirer. Construct
// one with New and share it; all methods are safe for concurrent use.
type API struct {
	tokens     TokenProvider
	httpClient *http.Client

	mu       sync.RWMutex
	services map[string]*Options
}

// APIOption configures an API.
type APIOption func(*API)

// WithHTTPClient replaces the transport.
func WithHTTPClient(client *http.Client) APIOption {
	return func(a *API) { a.httpClient = client }
}

// WithService registers a named service's base options.
func WithService(name string, opts *Options) APIOption {
	return func(a *API) { a.services[name] = opts }
}

// New creates an API over a token provider.
func New(tokens TokenProvider, opts ...APIOption) *API {
	api := &API{
		tokens:     tokens,
		httpClient: http.DefaultClient,
		services:   make(map[string]*Options),
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

// RegisterService adds or replaces a named service's base options.
func (a *API) RegisterService(name string, opts *Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[name] = opts
}

func (a *API) optionsFor(service string, overrides []Override) (*Options, error) {
	a.mu.RLock()
	base, ok := a.services[service]
	a.mu.RUnlock()

	var opts *Options
	switch {
	case ok:
		opts = base.clone()
	case service == "":
		opts = &Options{}
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("downstream service %q is not registered", service), nil)
	}
	for _, override := range overrides {
		override(opts)
	}
	if opts.BaseURL == "" {
		return nil, errors.NewConfigurationError(fmt.Sprintf("downstream service %q has no base URL", service), nil)
	}
	return opts, nil
}

// CallForUser sends the request with a user-context token. The caller owns
// the returned response body.
func (a *API) CallForUser(ctx context.Context, service string, overrides ...Override) (*http.Response, error) {
	opts, err := a.optionsFor(service, overrides)
	if err != nil {
		return nil, err
	}
	return a.execute(ctx, opts, false, nil, "")
}

// CallForApp sends the request with an app-context token. The caller owns
// the returned response body.
func (a *API) CallForApp(ctx context.Context, service string, overrides ...Override) (*http.Response, error) {
	opts, err := a.optionsFor(service, overrides)
	if err != nil {
		return nil, err
	}
	return a.execute(ctx, opts, true, nil, "")
}

// execute sends one call: acquire header (unless the scopes list is empty,
// the anonymous path), send, and on a 401 carrying a claims challenge,
// reacquire with the challenge and resend exactly once. The body is fully
// buffered so the retry can resend it.
func (a *API) execute(ctx context.Context, opts *Options, useAppToken bool, body []byte, contentType string) (*http.Response, error) {
	url := joinURL(opts.BaseURL, opts.RelativePath)

	send := func(acquireOpts []acquisition.Option) (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, opts.method(), url, reader)
		if err != nil {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("building request for %s", url), err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if opts.Accept != "" {
			req.Header.Set("Accept", opts.Accept)
		}

		if len(opts.Scopes) == 0 {
			logger.Infof("Calling %s without authentication: no scopes configured for this service", url)
		} else {
			header, err := a.authorizationHeader(ctx, opts, useAppToken, acquireOpts)
			if err != nil {
				return nil, err
			}
			// Set verbatim so non-standard schemes survive untouched.
			req.Header["Authorization"] = []string{header}
		}

		if opts.Customize != nil {
			opts.Customize(req)
		}
		return a.httpClient.Do(req)
	}

	resp, err := send(opts.AcquireOptions)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || len(opts.Scopes) == 0 {
		return resp, err
	}

	claims := claimsFromChallenge(resp.Header.Values("WWW-Authenticate"))
	if claims == "" {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	_ = resp.Body.Close()

	logger.Infow("Downstream API issued a claims challenge, retrying once with refreshed claims", "url", url)
	retryOpts := append(append([]acquisition.Option(nil), opts.AcquireOptions...),
		acquisition.WithClaims(claims),
		acquisition.WithForceRefresh(true))
	return send(retryOpts)
}

func (a *API) authorizationHeader(ctx context.Context, opts *Options, useAppToken bool, acquireOpts []acquisition.Option) (string, error) {
	var result *idp.Result
	var err error
	if useAppToken {
		result, err = a.tokens.GetTokenForApp(ctx, opts.Scopes[0], acquireOpts...)
	} else {
		result, err = a.tokens.GetTokenForUser(ctx, opts.Scopes, acquireOpts...)
	}
	if err != nil {
		return "", err
	}
	if opts.Scheme != "" {
		return opts.Scheme + " " + result.AccessToken, nil
	}
	return acquisition.HeaderValue(result), nil
}

// callTyped runs a call with serialized input and deserialized output.
func (a *API) callTyped(ctx context.Context, service, method string, useAppToken bool, input, output any, overrides []Override) error {
	opts, err := a.optionsFor(service, append(overrides, WithMethod(method)))
	if err != nil {
		return err
	}

	var body []byte
	var contentType string
	if input != nil {
		body, contentType, err = opts.serializer()(input)
		if err != nil {
			return errors.NewInvalidArgumentError("serializing request payload", err)
		}
	}

	resp, err := a.execute(ctx, opts, useAppToken, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return errors.NewTransportError(
			fmt.Sprintf("downstream API %q (%s %s) returned status %d: %s",
				service, opts.method(), joinURL(opts.BaseURL, opts.RelativePath), resp.StatusCode, string(snippet)),
			nil)
	}

	if output == nil {
		return nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewTransportError("reading response body", err)
	}
	if len(respBody) == 0 {
		return nil
	}
	if err := opts.deserializer()(respBody, output); err != nil {
		return errors.NewInternalError("deserializing response payload", err)
	}
	return nil
}

// GetForUser issues a GET with a user token and decodes the response.
func (a *API) GetForUser(ctx context.Context, service string, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodGet, false, nil, output, overrides)
}

// GetForApp issues a GET with an app token and decodes the response.
func (a *API) GetForApp(ctx context.Context, service string, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodGet, true, nil, output, overrides)
}

// PostForUser issues a POST with a user token.
func (a *API) PostForUser(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPost, false, input, output, overrides)
}

// PostForApp issues a POST with an app token.
func (a *API) PostForApp(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPost, true, input, output, overrides)
}

// PutForUser issues a PUT with a user token.
func (a *API) PutForUser(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPut, false, input, output, overrides)
}

// PutForApp issues a PUT with an app token.
func (a *API) PutForApp(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPut, true, input, output, overrides)
}

// PatchForUser issues a PATCH with a user token.
func (a *API) PatchForUser(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPatch, false, input, output, overrides)
}

// PatchForApp issues a PATCH with an app token.
func (a *API) PatchForApp(ctx context.Context, service string, input, output any, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodPatch, true, input, output, overrides)
}

// DeleteForUser issues a DELETE with a user token.
func (a *API) DeleteForUser(ctx context.Context, service string, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodDelete, false, nil, nil, overrides)
}

// DeleteForApp issues a DELETE with an app token.
func (a *API) DeleteForApp(ctx context.Context, service string, overrides ...Override) error {
	return a.callTyped(ctx, service, http.MethodDelete, true, nil, nil, overrides)
}

func joinURL(base, relative string) string {
	if relative == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(relative, "/")
}

// claimsFromChallenge extracts the claims parameter from WWW-Authenticate
// challenge headers, quoted or bare. Only a parameter actually named
// "claims" matches, not a longer name sharing the suffix.
func claimsFromChallenge(values []string) string {
	for _, value := range values {
		search := value
		for {
			idx := strings.Index(search, "claims=")
			if idx < 0 {
				break
			}
			atBoundary := idx == 0 || search[idx-1] == ' ' || search[idx-1] == ',' || search[idx-1] == '\t'
			rest := search[idx+len("claims="):]
			search = rest
			if !atBoundary {
				continue
			}
			if strings.HasPrefix(rest, `"`) {
				rest = rest[1:]
				if end := strings.Index(rest, `"`); end >= 0 {
					return rest[:end]
				}
				continue
			}
			if end := strings.IndexAny(rest, ", "); end >= 0 {
				return rest[:end]
			}
			return rest
		}
	}
	return ""
}
