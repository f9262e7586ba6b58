package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/billingrules/internal/logger"
)

// RedisRuleGroupCache shares rule group definitions between service
// instances. Entries hold the authored JSON and are rebuilt on Get.
type RedisRuleGroupCache struct {
	client *redis.Client
	prefix string
	config CacheConfig
}

// NewRedisRuleGroupCache creates a cache whose keys are "<prefix>:<group id>".
// Use one prefix per tenant.
func NewRedisRuleGroupCache(client *redis.Client, prefix string, config CacheConfig) *RedisRuleGroupCache {
	return &RedisRuleGroupCache{
		client: client,
		prefix: prefix,
		config: config,
	}
}

func (c *RedisRuleGroupCache) key(id string) string {
	return fmt.Sprintf("%s:%s", c.prefix, id)
}

// Get loads and rebuilds a cached rule group. Redis errors count as misses.
func (c *RedisRuleGroupCache) Get(ctx context.Context, id string) (*RuleGroup, bool) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("redis cache get failed", "rule_group_id", id, "error", err)
		return nil, false
	}

	group, err := LoadRuleGroup(data)
	if err != nil {
		logger.Warn("redis cache holds an invalid rule group", "rule_group_id", id, "error", err)
		return nil, false
	}
	return group, true
}

// Set stores the rule group's definition with the configured TTL
func (c *RedisRuleGroupCache) Set(ctx context.Context, group *RuleGroup) {
	data, err := json.Marshal(DefinitionOf(group))
	if err != nil {
		logger.Warn("redis cache encode failed", "rule_group_id", group.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(group.ID), data, c.config.TTL).Err(); err != nil {
		logger.Warn("redis cache set failed", "rule_group_id", group.ID, "error", err)
	}
}

// Invalidate deletes one rule group
func (c *RedisRuleGroupCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate rule group %s: %w", id, err)
	}
	return nil
}

// InvalidateAll deletes every key under the cache prefix
func (c *RedisRuleGroupCache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan rule group cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear rule group cache: %w", err)
	}
	return nil
}
