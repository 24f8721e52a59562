package rules

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestResultCache(config ResultCacheConfig) (*ResultCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	c := NewResultCache(config)
	c.now = clock.Now
	return c, clock
}

func contextFor(id string) RuleContext {
	rc := testContext()
	rc.Resource.ID = id
	return rc
}

func TestFingerprint(t *testing.T) {
	rc := testContext()

	if Fingerprint("a", rc) != Fingerprint("a", rc) {
		t.Error("Fingerprint() should be deterministic")
	}
	if Fingerprint("a", rc) == Fingerprint("b", rc) {
		t.Error("different rules should not share a fingerprint")
	}

	sameMinute := rc
	sameMinute.Timestamp = rc.Timestamp.Add(30 * time.Second)
	if Fingerprint("a", rc) != Fingerprint("a", sameMinute) {
		t.Error("timestamps within the same minute should share a fingerprint")
	}

	nextMinute := rc
	nextMinute.Timestamp = rc.Timestamp.Add(time.Minute)
	if Fingerprint("a", rc) == Fingerprint("a", nextMinute) {
		t.Error("timestamps in different minutes should not share a fingerprint")
	}

	changed := contextFor("doc-2")
	if Fingerprint("a", rc) == Fingerprint("a", changed) {
		t.Error("different resources should not share a fingerprint")
	}
}

func TestResultCacheGetSet(t *testing.T) {
	c, _ := newTestResultCache(ResultCacheConfig{TTL: time.Minute, MaxEntries: 10})
	rc := testContext()

	if _, ok := c.Get("a", rc); ok {
		t.Fatal("empty cache should miss")
	}

	c.Set("a", rc, &RuleResult{Rule: "a", Passed: true, Reason: "ok"})
	got, ok := c.Get("a", rc)
	if !ok || !got.Passed {
		t.Fatalf("Get() = %v, %v", got, ok)
	}

	// Callers get copies
	got.Passed = false
	again, _ := c.Get("a", rc)
	if !again.Passed {
		t.Error("mutating a returned result changed the cached entry")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestResultCacheTTL(t *testing.T) {
	c, clock := newTestResultCache(ResultCacheConfig{TTL: time.Minute, MaxEntries: 10})
	rc := testContext()
	c.Set("a", rc, &RuleResult{Rule: "a", Passed: true})

	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a", rc); !ok {
		t.Error("entry should survive before its TTL")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("a", rc); ok {
		t.Error("entry should expire at its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on access, Len() = %d", c.Len())
	}
}

func TestResultCacheEviction(t *testing.T) {
	testCases := []struct {
		name        string
		policy      EvictionPolicy
		wantEvicted string
		wantKept    string
	}{
		// "a" is read before "c" is inserted: FIFO still evicts it, LRU evicts "b"
		{"fifo", EvictFIFO, "a", "b"},
		{"lru", EvictLRU, "b", "a"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestResultCache(ResultCacheConfig{TTL: time.Minute, MaxEntries: 2, Eviction: tc.policy})
			rc := testContext()

			c.Set("a", rc, &RuleResult{Rule: "a"})
			c.Set("b", rc, &RuleResult{Rule: "b"})
			if _, ok := c.Get("a", rc); !ok {
				t.Fatal("a should be cached")
			}
			c.Set("c", rc, &RuleResult{Rule: "c"})

			if c.Len() != 2 {
				t.Errorf("Len() = %d, want 2", c.Len())
			}
			if _, ok := c.Get(tc.wantEvicted, rc); ok {
				t.Errorf("%s should have been evicted", tc.wantEvicted)
			}
			if _, ok := c.Get(tc.wantKept, rc); !ok {
				t.Errorf("%s should have been kept", tc.wantKept)
			}
			if _, ok := c.Get("c", rc); !ok {
				t.Error("newest entry should be kept")
			}
			if c.Stats().Evictions != 1 {
				t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
			}
		})
	}
}

func TestResultCacheInvalidate(t *testing.T) {
	c, _ := newTestResultCache(ResultCacheConfig{TTL: time.Minute, MaxEntries: 10})

	c.Set("a", contextFor("1"), &RuleResult{Rule: "a"})
	c.Set("a", contextFor("2"), &RuleResult{Rule: "a"})
	c.Set("b", contextFor("1"), &RuleResult{Rule: "b"})

	if n := c.Invalidate("a"); n != 2 {
		t.Errorf("Invalidate(a) = %d, want 2", n)
	}
	if _, ok := c.Get("a", contextFor("1")); ok {
		t.Error("a should be gone")
	}
	if _, ok := c.Get("b", contextFor("1")); !ok {
		t.Error("b should be untouched")
	}
	if n := c.Invalidate("missing"); n != 0 {
		t.Errorf("Invalidate(missing) = %d, want 0", n)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear() = %d", c.Len())
	}
}

func TestResultCacheOverwrite(t *testing.T) {
	c, _ := newTestResultCache(ResultCacheConfig{TTL: time.Minute, MaxEntries: 10})
	rc := testContext()

	c.Set("a", rc, &RuleResult{Rule: "a", Passed: false})
	c.Set("a", rc, &RuleResult{Rule: "a", Passed: true})

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Get("a", rc)
	if !got.Passed {
		t.Error("Set() should replace the existing entry")
	}
}

func TestNewResultCacheDefaults(t *testing.T) {
	c := NewResultCache(ResultCacheConfig{Eviction: "random"})
	def := DefaultResultCacheConfig()
	if c.config.TTL != def.TTL || c.config.MaxEntries != def.MaxEntries || c.config.Eviction != EvictFIFO {
		t.Errorf("config = %+v, want defaults", c.config)
	}
}
