// Package options merges layered identity configuration into one effective
// options instance per authentication scheme.
package options

import (
	"fmt"
	"net/url"
	"strings"

	"dario.cat/mergo"

	"github.com/authrelay/authrelay/pkg/credential"
	"github.com/authrelay/authrelay/pkg/logger"
)

// MergedOptions is the effective, authority-scoped configuration for one
// authentication scheme. Instances are built once per scheme key and then
// populated by successive Merge calls; scalar fields are first-write-wins,
// collections are unioned.
type MergedOptions struct {
	// Authority is the full issuer URL. When Instance and TenantID are
	// both empty it is parsed into them; otherwise it is ignored.
	Authority string

	// Instance is the identity provider base URL, e.g.
	// "https://login.microsoftonline.com/".
	Instance string

	// TenantID identifies the tenant tokens are issued for.
	TenantID string

	// ClientID is the application (client) id.
	ClientID string

	// Domain is the tenant domain, used to build B2C authorities.
	Domain string

	// Region is the regional authority selector, part of the client cache key.
	Region string

	// RedirectURI is used for interactive flows only.
	RedirectURI string

	// SendX5C requests that the full certificate chain be sent with client
	// assertions (subject name / issuer authentication).
	SendX5C bool

	// PreserveAuthority keeps Authority verbatim instead of recomposing it
	// from Instance and TenantID.
	PreserveAuthority bool

	// DefaultUserFlow is the B2C user flow; non-empty marks the scheme as B2C.
	DefaultUserFlow string

	// Scopes are the default scopes requested when a call supplies none.
	Scopes []string

	// ExtraQueryParameters are appended to token requests.
	ExtraQueryParameters map[string]string

	// ClientCredentials are the credential sources, in resolution order.
	ClientCredentials []*credential.Description
}

// IsB2C reports whether the scheme targets an Azure AD B2C authority.
func (m *MergedOptions) IsB2C() bool {
	return m.DefaultUserFlow != ""
}

// AuthorityKey identifies the confidential client built from these options:
// one client is cached per (authority, client id, region).
func (m *MergedOptions) AuthorityKey() string {
	return fmt.Sprintf("%s/%s/%s", m.EffectiveAuthority(), m.ClientID, m.Region)
}

// EffectiveAuthority composes the authority URL the token client talks to.
func (m *MergedOptions) EffectiveAuthority() string {
	if m.PreserveAuthority && m.Authority != "" {
		return m.Authority
	}
	if m.IsB2C() {
		return m.B2CAuthority(m.DefaultUserFlow)
	}
	instance := m.Instance
	if instance != "" && !strings.HasSuffix(instance, "/") {
		instance += "/"
	}
	return instance + m.TenantID
}

// B2CAuthority composes the authority for a specific B2C user flow.
func (m *MergedOptions) B2CAuthority(userFlow string) string {
	instance := m.Instance
	if instance != "" && !strings.HasSuffix(instance, "/") {
		instance += "/"
	}
	return fmt.Sprintf("%stfp/%s/%s", instance, m.Domain, userFlow)
}

// Validate reports configuration errors that must fail before any I/O.
func (m *MergedOptions) Validate() error {
	if m.ClientID == "" {
		return fmt.Errorf("client id is not configured")
	}
	if m.Instance == "" && m.Authority == "" {
		return fmt.Errorf("neither instance nor authority is configured")
	}
	return nil
}

// Merge layers src into m. Scalar fields already set on m win; collection
// fields are unioned with case-insensitive de-duplication. Merging the same
// layer twice is a no-op.
func (m *MergedOptions) Merge(src *MergedOptions) {
	if src == nil {
		return
	}

	m.Scopes = unionStrings(m.Scopes, src.Scopes)
	m.ExtraQueryParameters = unionParameters(m.ExtraQueryParameters, src.ExtraQueryParameters)
	m.ClientCredentials = unionCredentials(m.ClientCredentials, src.ClientCredentials)

	// Booleans are sticky once set by any layer.
	m.SendX5C = m.SendX5C || src.SendX5C
	m.PreserveAuthority = m.PreserveAuthority || src.PreserveAuthority

	scrubbed := *src
	scrubbed.Scopes = nil
	scrubbed.ExtraQueryParameters = nil
	scrubbed.ClientCredentials = nil

	// mergo only fills fields that are still zero on m, which is exactly
	// the first-write-wins contract for scalars.
	_ = mergo.Merge(m, scrubbed)

	m.parseAuthorityIfNeeded()
}

// parseAuthorityIfNeeded populates Instance and TenantID from a full
// authority URL, but only while both are still empty. An authority supplied
// after either was set is ignored with a diagnostic; that is not an error.
func (m *MergedOptions) parseAuthorityIfNeeded() {
	if m.Authority == "" {
		return
	}
	if m.Instance != "" || m.TenantID != "" {
		if !m.PreserveAuthority {
			logger.Debugf("Authority %q ignored: instance/tenant already configured", m.Authority)
		}
		return
	}

	parsed, err := url.Parse(m.Authority)
	if err != nil || parsed.Host == "" {
		logger.Warnf("Authority %q is not a valid URL and was ignored", m.Authority)
		return
	}

	segments := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })
	m.Instance = fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Host)
	if len(segments) > 0 && !strings.EqualFold(segments[0], "v2.0") {
		m.TenantID = segments[0]
	}
}

// Clone returns a deep copy, so per-call mutation never leaks into the
// cached instance.
func (m *MergedOptions) Clone() *MergedOptions {
	clone := *m
	clone.Scopes = append([]string(nil), m.Scopes...)
	if m.ExtraQueryParameters != nil {
		clone.ExtraQueryParameters = make(map[string]string, len(m.ExtraQueryParameters))
		for k, v := range m.ExtraQueryParameters {
			clone.ExtraQueryParameters[k] = v
		}
	}
	clone.ClientCredentials = append([]*credential.Description(nil), m.ClientCredentials...)
	return &clone
}

func unionStrings(dst, src []string) []string {
	for _, candidate := range src {
		found := false
		for _, existing := range dst {
			if strings.EqualFold(existing, candidate) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, candidate)
		}
	}
	return dst
}

func unionParameters(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for key, value := range src {
		present := false
		for existing := range dst {
			if strings.EqualFold(existing, key) {
				present = true
				break
			}
		}
		if !present {
			dst[key] = value
		}
	}
	return dst
}

func unionCredentials(dst, src []*credential.Description) []*credential.Description {
	for _, candidate := range src {
		found := false
		for _, existing := range dst {
			if existing == candidate || (candidate.ID != "" && strings.EqualFold(existing.ID, candidate.ID)) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, candidate)
		}
	}
	return dst
}
