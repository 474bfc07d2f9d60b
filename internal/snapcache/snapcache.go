// Package snapcache publishes dashboard snapshots to Redis so external
// consoles can read the control-plane state without touching the process.
// Publishing is best effort: Redis being down never affects trading.
package snapcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/supervisor"
)

// DashboardKey is the Redis key the latest snapshot lives under.
const DashboardKey = "tradepilot:dashboard"

// Cache writes dashboard snapshots to Redis with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects the cache. A failed ping is logged, not fatal: the cache
// keeps trying on every publish.
func New(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c := &Cache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "snapcache").Logger(),
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		c.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable, snapshots degraded")
	}
	return c
}

// Publish stores the snapshot under DashboardKey.
func (c *Cache) Publish(ctx context.Context, dash supervisor.Dashboard) error {
	payload, err := json.Marshal(dash)
	if err != nil {
		return fmt.Errorf("marshal dashboard: %w", err)
	}
	if err := c.client.Set(ctx, DashboardKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Fetch reads the latest snapshot back; used by the monitor command.
func (c *Cache) Fetch(ctx context.Context) (supervisor.Dashboard, error) {
	raw, err := c.client.Get(ctx, DashboardKey).Bytes()
	if err != nil {
		return supervisor.Dashboard{}, fmt.Errorf("redis get: %w", err)
	}
	var dash supervisor.Dashboard
	if err := json.Unmarshal(raw, &dash); err != nil {
		return supervisor.Dashboard{}, fmt.Errorf("decode dashboard: %w", err)
	}
	return dash, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error { return c.client.Close() }
