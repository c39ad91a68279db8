// Package statscache mirrors pool activity into Redis as a fast
// read-side cache for internal/statsapi: per-user share counters and a
// running block-found count. The round journal (internal/roundmanager)
// stays the single source of truth; Redis here is disposable and
// rebuildable from it.
package statscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/eventdispatcher"
	"github.com/pooldance/pool-dance/internal/logging"
	"github.com/pooldance/pool-dance/internal/model"
)

const (
	keyPrefix        = "pool-dance:"
	keySharesRound   = keyPrefix + "shares:round"
	keySharesValid   = keyPrefix + "shares:valid"
	keySharesInvalid = keyPrefix + "shares:invalid"
	keyBlocksFound   = keyPrefix + "blocks:found"
	keyLastBlock     = keyPrefix + "blocks:last"
)

// Cache wraps a Redis client driven entirely off Event Dispatcher
// subscriptions; nothing in the validation or round-management path
// calls into it directly.
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to Redis per cfg and subscribes to dispatcher so every
// validated share and found block updates the cache automatically.
// Returns (nil, nil) if cfg.Enabled is false.
func New(cfg config.StatsCacheConfig, dispatcher *eventdispatcher.Dispatcher) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statscache: connect to redis: %w", err)
	}

	c := &Cache{client: client, ctx: ctx}

	dispatcher.Subscribe(eventdispatcher.WorkValidated, c.onWorkValidated)
	dispatcher.Subscribe(eventdispatcher.BlockFound, c.onBlockFound)

	logging.Infof("statscache connected to %s", cfg.URL)
	return c, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) onWorkValidated(ev eventdispatcher.Event) {
	pipe := c.client.Pipeline()
	if ev.Status == model.StatusSuccess {
		pipe.HIncrBy(c.ctx, keySharesRound, ev.Client.User, 1)
		pipe.Incr(c.ctx, keySharesValid)
	} else {
		pipe.Incr(c.ctx, keySharesInvalid)
	}
	if _, err := pipe.Exec(c.ctx); err != nil {
		logging.Warnf("statscache: record share: %v", err)
	}
}

func (c *Cache) onBlockFound(ev eventdispatcher.Event) {
	pipe := c.client.Pipeline()
	pipe.Incr(c.ctx, keyBlocksFound)
	pipe.HSet(c.ctx, keyLastBlock, "height", ev.Block, "finder", ev.Client.User, "at", time.Now().Unix())
	pipe.Del(c.ctx, keySharesRound)
	if _, err := pipe.Exec(c.ctx); err != nil {
		logging.Warnf("statscache: record block: %v", err)
	}
}

// ShareCounts returns the pool-wide valid/invalid share counters.
func (c *Cache) ShareCounts() (valid, invalid int64, err error) {
	valid, err = c.client.Get(c.ctx, keySharesValid).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}
	invalid, err = c.client.Get(c.ctx, keySharesInvalid).Int64()
	if err != nil && err != redis.Nil {
		return valid, 0, err
	}
	return valid, invalid, nil
}

// BlocksFound returns the total count of accepted block candidates.
func (c *Cache) BlocksFound() (int64, error) {
	n, err := c.client.Get(c.ctx, keyBlocksFound).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// RoundShares returns the current round's per-user share counts.
func (c *Cache) RoundShares() (map[string]int64, error) {
	raw, err := c.client.HGetAll(c.ctx, keySharesRound).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for user, count := range raw {
		var n int64
		fmt.Sscanf(count, "%d", &n)
		out[user] = n
	}
	return out, nil
}
