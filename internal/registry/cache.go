package registry

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// templateCache is the Registry's in-process, advisory cache of hydrated
// templates keyed by template_id (§4.6). Misses always fall through to the
// store; correctness never depends on the cache being populated.
type templateCache struct {
	lru *expirable.LRU[string, *Template]
}

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 5 * time.Minute
)

func newTemplateCache(ttl time.Duration) *templateCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &templateCache{lru: expirable.NewLRU[string, *Template](defaultCacheSize, nil, ttl)}
}

func (c *templateCache) get(id string) (*Template, bool) {
	return c.lru.Get(id)
}

func (c *templateCache) put(t *Template) {
	c.lru.Add(t.ID, t)
}

func (c *templateCache) invalidate(id string) {
	c.lru.Remove(id)
}
