package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/authrelay/authrelay/pkg/logger"
	"github.com/authrelay/authrelay/pkg/managedidentity"
)

// ErrNoUsableCredential is wrapped by the AggregateError the resolver
// returns when certificate or assertion sources were attempted and all of
// them failed.
var ErrNoUsableCredential = errors.New("no usable client credential")

// AggregateError collects the per-description load failures observed while
// resolving a credential list.
type AggregateError struct {
	Attempts []error
}

// Error returns all recorded failure messages.
func (e *AggregateError) Error() string {
	messages := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrNoUsableCredential, strings.Join(messages, "; "))
}

// Unwrap exposes the recorded failures and ErrNoUsableCredential to
// errors.Is/As.
func (e *AggregateError) Unwrap() []error {
	return append([]error{ErrNoUsableCredential}, e.Attempts...)
}

// Resolver loads the first usable credential from an ordered description
// list. The zero value is not usable; construct with NewResolver.
type Resolver struct {
	loaders map[Source]Loader
}

// NewResolver creates a Resolver with the default loader per source. The
// managed identity cache is used for federated assertion sources; a nil
// cache builds a default one.
func NewResolver(miCache *managedidentity.Cache) *Resolver {
	if miCache == nil {
		miCache = managedidentity.NewCache(nil)
	}
	return &Resolver{
		loaders: map[Source]Loader{
			SourceCertificateFile:                certificateFileLoader{},
			SourceCertificateBase64:              certificateBase64Loader{},
			SourceSecret:                         secretLoader{},
			SourceSignedAssertionFile:            assertionFileLoader{},
			SourceSignedAssertionManagedIdentity: managedIdentityAssertionLoader{cache: miCache},
			SourceSignedAssertionProvider:        providerAssertionLoader{},
		},
	}
}

// RegisterLoader adds or replaces the loader for a source, letting the
// application plug in additional credential stores.
func (r *Resolver) RegisterLoader(source Source, loader Loader) {
	r.loaders[source] = loader
}

// LoadIfNeeded materializes the description's credential unless it is
// already cached.
func (r *Resolver) LoadIfNeeded(ctx context.Context, description *Description) error {
	if description.Loaded() {
		return nil
	}
	loader, ok := r.loaders[description.Source]
	if !ok {
		return fmt.Errorf("credential %q: no loader for source %q", description.ID, description.Source)
	}
	return loader.Load(ctx, description)
}

// FirstValid walks the descriptions in order and returns the first one that
// loads. Descriptions already marked Skip are passed over; a description
// that fails to load is marked Skip so later calls do not retry it, and the
// failure is recorded.
//
// When the list is exhausted: if any attempted description was a
// certificate or signed assertion, an AggregateError is returned; otherwise
// (nil, nil) signals that no credential is available without it being an
// error, e.g. when only an intentionally disabled source was configured.
func (r *Resolver) FirstValid(ctx context.Context, descriptions []*Description) (*Description, error) {
	var attempts []error
	attemptedStrong := false

	for _, description := range descriptions {
		if description.Skip {
			continue
		}
		if description.IsCertificate() || description.IsSignedAssertion() {
			attemptedStrong = true
		}
		if err := r.LoadIfNeeded(ctx, description); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warnf("Credential %q could not be loaded, skipping: %v", description.ID, err)
			description.Skip = true
			attempts = append(attempts, err)
			continue
		}
		return description, nil
	}

	if attemptedStrong && len(attempts) > 0 {
		return nil, &AggregateError{Attempts: attempts}
	}
	return nil, nil
}
