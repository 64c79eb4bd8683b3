package firebox

import (
	"sync"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/profile"
)

// providerCache memoises built providers so a Complete call does not decrypt
// the store and rebuild an HTTP client per request. Entries are dropped when
// the underlying profile changes.
type providerCache struct {
	registry *profile.Registry

	mu    sync.Mutex
	built map[string]llm.Provider
}

func newProviderCache(registry *profile.Registry) *providerCache {
	return &providerCache{
		registry: registry,
		built:    make(map[string]llm.Provider),
	}
}

func (c *providerCache) get(id string) (llm.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.built[id]; ok {
		return p, nil
	}
	p, err := c.registry.Load(id)
	if err != nil {
		return nil, err
	}
	c.built[id] = p
	return p, nil
}

func (c *providerCache) invalidate(id string) {
	c.mu.Lock()
	delete(c.built, id)
	c.mu.Unlock()
}
