package depgraph

import (
	"container/list"
	"slices"
	"strings"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/value"
)

type cacheKey struct {
	view              string
	calcConfig        string
	valuationTime     int64
	versionCorrection string
	requirements      string
}

func newCacheKey(req Request) cacheKey {
	reqs := slices.Clone(req.Requirements)
	slices.SortFunc(reqs, value.Requirement.Compare)
	reqs = slices.Compact(reqs)
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = r.String()
	}
	return cacheKey{
		view:              req.View,
		calcConfig:        req.CalcConfig,
		valuationTime:     req.ValuationTime.UnixNano(),
		versionCorrection: req.VersionCorrection.String(),
		requirements:      strings.Join(parts, "\n"),
	}
}

type cacheEntry struct {
	key   cacheKey
	graph *Graph
}

// Cache is a bounded LRU of built graphs. Graphs are immutable, so a hit is
// shared between callers.
type Cache struct {
	mu      sync.Mutex
	size    int
	ll      *list.List
	entries map[cacheKey]*list.Element
}

// NewCache creates a cache holding at most size graphs.
func NewCache(size int) *Cache {
	return &Cache{
		size:    max(size, 1),
		ll:      list.New(),
		entries: make(map[cacheKey]*list.Element),
	}
}

// Get returns the graph previously built for an equivalent request.
func (c *Cache) Get(req Request) (*Graph, bool) {
	key := newCacheKey(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).graph, true
}

// Put stores g for req, evicting the least recently used graph when full.
func (c *Cache) Put(req Request, g *Graph) {
	key := newCacheKey(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).graph = g
		c.ll.MoveToFront(el)
		return
	}
	c.entries[key] = c.ll.PushFront(&cacheEntry{key: key, graph: g})
	for c.ll.Len() > c.size {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.entries)
}

// Len returns the number of cached graphs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
