package rules

import (
	"context"
	"time"
)

// RuleGroupCache holds compiled rule groups keyed by ID.
// This allows swapping between in-memory, Redis, or other caching implementations.
// Set replaces the cached snapshot as a whole, so readers see either the old
// group or the new one.
type RuleGroupCache interface {
	// Get retrieves a cached rule group, ok is false on a miss or expiry
	Get(ctx context.Context, id string) (*RuleGroup, bool)

	// Set stores a rule group, replacing any cached snapshot
	Set(ctx context.Context, group *RuleGroup)

	// Invalidate drops one rule group, forcing a reload on next use
	Invalidate(ctx context.Context, id string) error

	// InvalidateAll drops every cached rule group
	InvalidateAll(ctx context.Context) error
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule group caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on edits
	}
}
