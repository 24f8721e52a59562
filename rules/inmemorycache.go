package rules

import (
	"sync"
	"time"
)

type cachedDefinition struct {
	rule     *Rule
	cachedAt time.Time
}

// InMemoryDefinitionCache is a map-backed DefinitionCache.
// Thread-safe for concurrent access
type InMemoryDefinitionCache struct {
	rules  map[string]cachedDefinition
	config CacheConfig
	mu     sync.RWMutex
}

// NewInMemoryDefinitionCache creates a new in-memory definition cache
func NewInMemoryDefinitionCache(config CacheConfig) *InMemoryDefinitionCache {
	return &InMemoryDefinitionCache{
		rules:  make(map[string]cachedDefinition),
		config: config,
	}
}

// Get returns a copy of the cached definition
func (c *InMemoryDefinitionCache) Get(name string) (*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.rules[name]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copy to prevent external modifications
	return entry.rule.Clone(), true
}

// Set stores a copy of rule
func (c *InMemoryDefinitionCache) Set(rule *Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules[rule.Name] = cachedDefinition{rule: rule.Clone(), cachedAt: time.Now()}
}

// Invalidate drops a single definition
func (c *InMemoryDefinitionCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rules, name)
}

// Clear drops every definition
func (c *InMemoryDefinitionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make(map[string]cachedDefinition)
}
