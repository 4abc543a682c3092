package cfg

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i-sz/jop/app"
)

// DefaultCacheSize bounds the number of method graphs kept alive at once.
// Building a graph is cheap compared to the analyses cached inside it, so
// eviction only costs the re-analysis of a method revisited later.
const DefaultCacheSize = 512

// Cache memoizes built flow graphs per method. Entries are live objects:
// a transform applied to a cached CFG is observed by every later Get. Use
// Remove to force a rebuild from the method's basic blocks.
//
// The cache itself is safe for concurrent use, the cached graphs are not.
// Callers partition methods between workers so each CFG stays with one
// goroutine.
type Cache struct {
	app *app.AppInfo
	lru *lru.Cache[string, *CFG]
}

// NewCache creates a cache over the given program model. Size zero or
// below falls back to DefaultCacheSize.
func NewCache(appInfo *app.AppInfo, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := lru.New[string, *CFG](size)
	if err != nil {
		return nil, err
	}
	return &Cache{app: appInfo, lru: l}, nil
}

// Get returns the flow graph of the method, building it on a miss.
func (c *Cache) Get(method *app.MethodInfo) (*CFG, error) {
	if g, ok := c.lru.Get(method.FQName()); ok {
		return g, nil
	}
	g, err := New(c.app, method)
	if err != nil {
		return nil, err
	}
	c.lru.Add(method.FQName(), g)
	return g, nil
}

// Remove drops the cached graph of the method, if any.
func (c *Cache) Remove(method *app.MethodInfo) {
	c.lru.Remove(method.FQName())
}

// Len returns the number of cached graphs.
func (c *Cache) Len() int { return c.lru.Len() }
