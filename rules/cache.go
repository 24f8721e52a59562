package rules

import "time"

// DefinitionCache holds rule definitions fetched from the registry so repeat
// evaluations skip the round trip
type DefinitionCache interface {
	// Get returns a cached definition, false on a miss or expiry
	Get(name string) (*Rule, bool)

	// Set stores a definition under its name
	Set(rule *Rule)

	// Invalidate drops one definition, forcing a refetch on next Get
	Invalidate(name string)

	// Clear drops every definition
	Clear()
}

// CacheConfig holds configuration for definition cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached definitions
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig relies on invalidation by the store's own mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}
