package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/crmstack/services/automation/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/models"
)

// RedisCache caches per-tenant rule lists so the matcher does not hit the
// database on every event. A disabled cache is a valid no-op instance.
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
		ttl:     ttl,
	}, nil
}

// ruleCacheKey generates the cache key for a tenant's rules by event type
func ruleCacheKey(tenantID uuid.UUID, eventType string) string {
	return fmt.Sprintf("rules:%s:%s", tenantID.String(), eventType)
}

// GetRules returns the cached rule list for the tenant and event type. The
// second return is false on miss, error, or when caching is disabled.
func (c *RedisCache) GetRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.BusinessRule, bool) {
	if !c.enabled {
		return nil, false
	}

	data, err := c.client.Get(ctx, ruleCacheKey(tenantID, eventType)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("Rule cache read failed")
		}
		return nil, false
	}

	var rules []models.BusinessRule
	if err := json.Unmarshal(data, &rules); err != nil {
		log.Warn().Err(err).Msg("Rule cache entry corrupt, dropping")
		c.client.Del(ctx, ruleCacheKey(tenantID, eventType))
		return nil, false
	}
	return rules, true
}

// SetRules caches the rule list for the tenant and event type.
func (c *RedisCache) SetRules(ctx context.Context, tenantID uuid.UUID, eventType string, rules []models.BusinessRule) {
	if !c.enabled {
		return
	}

	data, err := json.Marshal(rules)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal rules for caching")
		return
	}
	if err := c.client.Set(ctx, ruleCacheKey(tenantID, eventType), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Rule cache write failed")
	}
}

// InvalidateRules drops every cached rule list for the tenant. Called on any
// rule create, update, or delete.
func (c *RedisCache) InvalidateRules(ctx context.Context, tenantID uuid.UUID) {
	if !c.enabled {
		return
	}

	pattern := fmt.Sprintf("rules:%s:*", tenantID.String())
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Warn().Str("key", iter.Val()).Err(err).Msg("Rule cache invalidation failed")
		}
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Msg("Rule cache scan failed")
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
