package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	group    *RuleGroup
	cachedAt time.Time
}

// InMemoryRuleGroupCache is a process-local RuleGroupCache.
// Thread-safe for concurrent access.
type InMemoryRuleGroupCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRuleGroupCache creates a new in-memory rule group cache
func NewInMemoryRuleGroupCache(config CacheConfig) *InMemoryRuleGroupCache {
	return &InMemoryRuleGroupCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

// Get retrieves a cached rule group
// Returns false if the entry is missing or expired
func (c *InMemoryRuleGroupCache) Get(_ context.Context, id string) (*RuleGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	return entry.group, true
}

// Set stores a rule group snapshot
func (c *InMemoryRuleGroupCache) Set(_ context.Context, group *RuleGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[group.ID] = cacheEntry{group: group, cachedAt: time.Now()}
}

// Invalidate drops a single rule group
func (c *InMemoryRuleGroupCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	return nil
}

// InvalidateAll clears the cache
func (c *InMemoryRuleGroupCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
	return nil
}

// Len returns the number of cached entries, expired ones included
func (c *InMemoryRuleGroupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
