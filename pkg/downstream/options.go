// Package downstream calls protected web APIs on behalf of the app or the
// signed-in user: it acquires the Authorization header through the token
// acquirer, sends the request, and transparently satisfies one
// claims-challenge (401) round trip.
package downstream

import (
	"encoding/json"
	"net/http"

	"github.com/authrelay/authrelay/pkg/acquisition"
)

// Serializer renders a request payload into a body and content type.
type Serializer func(input any) ([]byte, string, error)

// Deserializer parses a response body into output.
type Deserializer func(body []byte, output any) error

func jsonSerializer(input any) ([]byte, string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, "", err
	}
	return body, "application/json", nil
}

func jsonDeserializer(body []byte, output any) error {
	return json.Unmarshal(body, output)
}

// Options describes one downstream API call. A named service registers a
// base Options; per-call overrides clone it before mutating.
type Options struct {
	// BaseURL is the API root, e.g. "https://graph.example.com/v1.0".
	BaseURL string

	// RelativePath is appended to BaseURL.
	RelativePath string

	// Method is the HTTP method; GET when empty.
	Method string

	// Scopes to acquire a token for. Empty means the call is sent
	// unauthenticated, the deliberate anonymous-endpoint path.
	Scopes []string

	// Accept sets the Accept header when non-empty.
	Accept string

	// Scheme overrides the Authorization scheme prefix verbatim. It is
	// set without header validation, so non-standard values such as a
	// SAML bearer URI work. Empty uses the token's own type.
	Scheme string

	// AcquireOptions are forwarded to the token acquirer.
	AcquireOptions []acquisition.Option

	// Serializer renders request payloads; JSON when nil.
	Serializer Serializer

	// Deserializer parses response payloads; JSON when nil.
	Deserializer Deserializer

	// Customize edits the outgoing request just before it is sent. It
	// runs again on the claims-challenge retry, on the fresh request.
	Customize func(req *http.Request)
}

// Override mutates a cloned Options for one call.
type Override func(*Options)

// WithRelativePath sets the path appended to the service base URL.
func WithRelativePath(path string) Override {
	return func(o *Options) { o.RelativePath = path }
}

// WithMethod sets the HTTP method.
func WithMethod(method string) Override {
	return func(o *Options) { o.Method = method }
}

// WithScopes replaces the scopes to acquire.
func WithScopes(scopes ...string) Override {
	return func(o *Options) { o.Scopes = scopes }
}

// WithAccept sets the Accept header.
func WithAccept(accept string) Override {
	return func(o *Options) { o.Accept = accept }
}

// WithScheme sets a verbatim Authorization scheme prefix.
func WithScheme(scheme string) Override {
	return func(o *Options) { o.Scheme = scheme }
}

// WithAcquireOptions appends token acquisition options.
func WithAcquireOptions(opts ...acquisition.Option) Override {
	return func(o *Options) { o.AcquireOptions = append(o.AcquireOptions, opts...) }
}

// WithCustomize sets the request customization hook.
func WithCustomize(customize func(req *http.Request)) Override {
	return func(o *Options) { o.Customize = customize }
}

func (o *Options) clone() *Options {
	cloned := *o
	cloned.Scopes = append([]string(nil), o.Scopes...)
	cloned.AcquireOptions = append([]acquisition.Option(nil), o.AcquireOptions...)
	return &cloned
}

func (o *Options) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

func (o *Options) serializer() Serializer {
	if o.Serializer == nil {
		return jsonSerializer
	}
	return o.Serializer
}

func (o *Options) deserializer() Deserializer {
	if o.Deserializer == nil {
		return jsonDeserializer
	}
	return o.Deserializer
}
