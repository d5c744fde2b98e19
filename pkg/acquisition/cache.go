package acquisition

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authrelay/authrelay/pkg/idp"
	"github.com/authrelay/authrelay/pkg/options"
)

// clientBuilder constructs a confidential client for one merged-options
// entry.
type clientBuilder func(ctx context.Context, merged *options.MergedOptions) (idp.ConfidentialClient, error)

type clientEntry struct {
	client  idp.ConfidentialClient
	builtAt time.Time
}

// clientCache is the authority-keyed confidential client cache. Handles are
// replaced, never mutated, when the certificate-failure recovery
// invalidates a key. Concurrent first-time builds for one key are collapsed
// so a single winner is published.
type clientCache struct {
	entries sync.Map // string -> *clientEntry
	group   singleflight.Group
	build   clientBuilder
}

func newClientCache(build clientBuilder) *clientCache {
	return &clientCache{build: build}
}

// GetOrBuild returns the cached client for the options' authority key,
// building one on miss. A failed or canceled build is not published, so the
// next caller retries from scratch.
func (c *clientCache) GetOrBuild(ctx context.Context, merged *options.MergedOptions) (idp.ConfidentialClient, error) {
	key := merged.AuthorityKey()
	if entry, ok := c.entries.Load(key); ok {
		return entry.(*clientEntry).client, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.entries.Load(key); ok {
			return entry.(*clientEntry), nil
		}
		client, err := c.build(ctx, merged)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := &clientEntry{client: client, builtAt: time.Now()}
		c.entries.Store(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*clientEntry).client, nil
}

// Invalidate drops the handle for a key so the next acquisition rebuilds
// it.
func (c *clientCache) Invalidate(key string) {
	c.entries.Delete(key)
	c.group.Forget(key)
}
