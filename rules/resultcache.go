package rules

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// EvictionPolicy selects which entry leaves a full ResultCache
type EvictionPolicy string

const (
	// EvictFIFO drops the oldest inserted entry; hits do not refresh order
	EvictFIFO EvictionPolicy = "fifo"
	// EvictLRU drops the least recently used entry; hits move an entry to the front
	EvictLRU EvictionPolicy = "lru"
)

// ResultCacheConfig controls result caching
type ResultCacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	Eviction   EvictionPolicy
}

// DefaultResultCacheConfig returns a five minute, 1000 entry FIFO cache
func DefaultResultCacheConfig() ResultCacheConfig {
	return ResultCacheConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 1000,
		Eviction:   EvictFIFO,
	}
}

// CacheStats is a point-in-time view of cache counters
type CacheStats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type resultEntry struct {
	key       uint64
	rule      string
	result    *RuleResult
	expiresAt time.Time
	prev      *resultEntry
	next      *resultEntry
}

// ResultCache maps (rule name, context fingerprint) to evaluation results.
// Entries expire after TTL and the cache never holds more than MaxEntries.
type ResultCache struct {
	config  ResultCacheConfig
	entries map[uint64]*resultEntry
	byRule  map[string]map[uint64]struct{}
	head    *resultEntry // newest (or most recently used)
	tail    *resultEntry // next to evict
	stats   CacheStats
	now     func() time.Time
	mu      sync.Mutex
}

// NewResultCache creates a result cache. Non-positive sizes fall back to the defaults.
func NewResultCache(config ResultCacheConfig) *ResultCache {
	def := DefaultResultCacheConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.Eviction != EvictLRU {
		config.Eviction = EvictFIFO
	}
	return &ResultCache{
		config:  config,
		entries: make(map[uint64]*resultEntry),
		byRule:  make(map[string]map[uint64]struct{}),
		now:     time.Now,
	}
}

// Fingerprint hashes the rule name with a quantized context snapshot. The
// timestamp is truncated to the minute so near-simultaneous identical
// requests share an entry.
func Fingerprint(ruleName string, rc RuleContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ruleName)
	_, _ = h.Write([]byte{0})

	snapshot := map[string]any{
		"resource":  rc.Resource,
		"workflow":  rc.Workflow,
		"activity":  rc.Activity,
		"metadata":  rc.Metadata,
		"timestamp": rc.Timestamp.Truncate(time.Minute).Unix(),
	}
	// encoding/json sorts map keys, which keeps the hash deterministic
	raw, err := json.Marshal(snapshot)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", snapshot))
	}
	_, _ = h.Write(raw)
	return h.Sum64()
}

// Get returns a copy of the cached result for ruleName under rc
func (c *ResultCache) Get(ruleName string, rc RuleContext) (*RuleResult, bool) {
	key := Fingerprint(ruleName, rc)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.rule != ruleName {
		c.stats.Misses++
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(e)
		c.stats.Misses++
		return nil, false
	}
	if c.config.Eviction == EvictLRU {
		c.unlinkLocked(e)
		c.pushHeadLocked(e)
	}
	c.stats.Hits++
	return e.result.clone(), true
}

// Set stores a copy of result, evicting per policy when the cache is full
func (c *ResultCache) Set(ruleName string, rc RuleContext, result *RuleResult) {
	key := Fingerprint(ruleName, rc)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}

	e := &resultEntry{
		key:       key,
		rule:      ruleName,
		result:    result.clone(),
		expiresAt: c.now().Add(c.config.TTL),
	}
	c.entries[key] = e
	keys, ok := c.byRule[ruleName]
	if !ok {
		keys = make(map[uint64]struct{})
		c.byRule[ruleName] = keys
	}
	keys[key] = struct{}{}
	c.pushHeadLocked(e)

	for len(c.entries) > c.config.MaxEntries && c.tail != nil {
		c.removeLocked(c.tail)
		c.stats.Evictions++
	}
}

// Invalidate drops every entry of ruleName and returns how many were removed
func (c *ResultCache) Invalidate(ruleName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byRule[ruleName]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(e)
			n++
		}
	}
	delete(c.byRule, ruleName)
	return n
}

// Clear empties the cache
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*resultEntry)
	c.byRule = make(map[string]map[uint64]struct{})
	c.head = nil
	c.tail = nil
}

// Len returns the number of stored entries, expired ones included
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the current counters
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// removeLocked deletes e from the map, the rule index and the list. Must be called with lock held.
func (c *ResultCache) removeLocked(e *resultEntry) {
	delete(c.entries, e.key)
	if keys, ok := c.byRule[e.rule]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byRule, e.rule)
		}
	}
	c.unlinkLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *resultEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *resultEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
