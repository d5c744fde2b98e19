package managedidentity

import (
	"context"
	"sync"
)

// BuilderFunc constructs a token client for an identity. Builds may perform
// network I/O (endpoint probing), so the cache serializes them.
type BuilderFunc func(ctx context.Context, id ID) (TokenClient, error)

// Cache holds one token client per managed identity, keyed by the
// user-assigned client id or the system-assigned sentinel.
//
// Builds are guarded by a dedicated mutex with a re-check after acquisition,
// so exactly one build runs per key even under concurrent callers. The mutex
// is scoped to this cache, not shared with the confidential-client cache.
type Cache struct {
	mu      sync.RWMutex
	buildMu sync.Mutex
	clients map[string]TokenClient
	builder BuilderFunc
}

// NewCache creates a Cache. A nil builder constructs default IMDS clients.
func NewCache(builder BuilderFunc) *Cache {
	if builder == nil {
		builder = func(_ context.Context, id ID) (TokenClient, error) {
			return NewClient(id), nil
		}
	}
	return &Cache{
		clients: make(map[string]TokenClient),
		builder: builder,
	}
}

// GetOrBuild returns the cached client for the identity, building it if
// needed. A canceled build is never published.
func (c *Cache) GetOrBuild(ctx context.Context, id ID) (TokenClient, error) {
	key := id.CacheKey()

	// Fast path: no build needed, read lock only.
	c.mu.RLock()
	client, ok := c.clients[key]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	// Re-check: another caller may have built it while we waited.
	c.mu.RLock()
	client, ok = c.clients[key]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	client, err := c.builder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.clients[key] = client
	c.mu.Unlock()

	return client, nil
}
