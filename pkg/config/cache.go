package config

import "sync"

// Cache memoizes config reads for the lifetime of one run. One Cache is
// shared by every stage and worker of the run. A nil *Cache is valid and
// caches nothing.
type Cache struct {
	mu     sync.Mutex
	facts  map[string]factsEntry
	raw    map[string][]byte
	hits   int
	misses int
}

type factsEntry struct {
	facts *Facts
	err   error
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		facts: make(map[string]factsEntry),
		raw:   make(map[string][]byte),
	}
}

// Clear drops every entry. Tests and long-lived callers use it between runs.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts = make(map[string]factsEntry)
	c.raw = make(map[string][]byte)
	c.hits, c.misses = 0, 0
}

// Stats returns hit and miss counts for fact lookups.
func (c *Cache) Stats() (hits, misses int) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of files with memoized facts.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.facts)
}

func (c *Cache) lookupFacts(path string) (factsEntry, bool) {
	if c == nil {
		return factsEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.facts[path]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return e, ok
}

func (c *Cache) storeFacts(path string, f *Facts, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts[path] = factsEntry{facts: f, err: err}
}

func (c *Cache) lookupRaw(path string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.raw[path]
	return data, ok
}

func (c *Cache) storeRaw(path string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw[path] = data
}
