package ord

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 1024

type cached struct {
	parsed     Descriptor
	normalized Descriptor
}

// Cache memoizes parsed and normalized descriptors by their text.
type Cache struct {
	reg *Registry
	lru *lru.Cache[string, cached]
}

func NewCache(reg *Registry, size int) (*Cache, error) {
	if reg == nil {
		reg = defaultRegistry
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, cached](size)
	if err != nil {
		return nil, err
	}
	return &Cache{reg: reg, lru: c}, nil
}

func (c *Cache) Registry() *Registry { return c.reg }

// Parse returns the parsed descriptor and its normalized form.
func (c *Cache) Parse(text string) (parsed, normalized Descriptor, err error) {
	key := strings.TrimSpace(text)
	if hit, ok := c.lru.Get(key); ok {
		return hit.parsed, hit.normalized, nil
	}
	parsed, err = c.reg.Parse(key)
	if err != nil {
		return Empty, Empty, err
	}
	normalized = parsed.Normalize()
	c.lru.Add(key, cached{parsed: parsed, normalized: normalized})
	return parsed, normalized, nil
}

// Purge drops every cached entry, for example after re-registering schemes.
func (c *Cache) Purge() { c.lru.Purge() }

func (c *Cache) Len() int { return c.lru.Len() }
