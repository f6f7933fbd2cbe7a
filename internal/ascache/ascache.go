// Package ascache provides an optional two-tier cache of evaluator
// decisions, adapted from the teacher's internal/cache.L1Cache
// (ristretto L1 + redis L2). cmd/accessd builds one at startup, but no
// decision path consults it: neither the in-process Registry/Evaluator
// nor the admin HTTP/gRPC evaluate surface reads from or writes to it.
// Keys embed the snapshot ID, so an entry cached under a prior snapshot
// never matches a key built for the current one.
package ascache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/epics-asg/accessd/internal/asmodel"
)

// Decision is the cached evaluator output for one (identity, asg,
// snapshot) key.
type Decision struct {
	Access   asmodel.Access
	TrapMask bool
}

// Cache is a two-tier decision cache: L1 in-process (ristretto), L2
// shared (redis), exactly the teacher's L1Cache shape, retyped from
// opaque []byte to Decision.
type Cache struct {
	l1     *ristretto.Cache[string, Decision]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a cache. redisClient may be nil to run L1-only.
func New(maxCost int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*Cache, error) {
	if maxCost == 0 {
		maxCost = 10000
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, Decision]{
		NumCounters: 8,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{l1: l1, l2: redisClient, ttl: ttl, logger: logger.Named("ascache")}, nil
}

// Key builds the cache key for a decision, namespaced by snapshot ID so
// a hot-swap invalidates every previously cached entry implicitly:
// entries keyed to the old snapshot ID are simply never looked up again.
func Key(snapshotID, asgName, user, host, method string) string {
	return fmt.Sprintf("asdecision:%s:%s:%s:%s:%s", snapshotID, asgName, user, host, method)
}

// Get consults L1 then L2.
func (c *Cache) Get(ctx context.Context, key string) (Decision, bool) {
	if d, ok := c.l1.Get(key); ok {
		return d, true
	}
	if c.l2 == nil {
		return Decision{}, false
	}
	raw, err := c.l2.HGetAll(ctx, key).Result()
	if err != nil || len(raw) == 0 {
		return Decision{}, false
	}
	var d Decision
	fmt.Sscanf(raw["access"], "%d", &d.Access)
	d.TrapMask = raw["trap"] == "1"
	c.l1.SetWithTTL(key, d, 1, c.ttl)
	return d, true
}

// Set stores a decision in both tiers.
func (c *Cache) Set(ctx context.Context, key string, d Decision) {
	c.l1.SetWithTTL(key, d, 1, c.ttl)
	if c.l2 == nil {
		return
	}
	go func() {
		trap := "0"
		if d.TrapMask {
			trap = "1"
		}
		if err := c.l2.HSet(ctx, key, map[string]interface{}{
			"access": int(d.Access),
			"trap":   trap,
		}).Err(); err != nil {
			c.logger.Warn("failed to set L2 decision cache", zap.Error(err))
			return
		}
		c.l2.Expire(ctx, key, c.ttl)
	}()
}

// Close releases the L1 cache's background resources.
func (c *Cache) Close() {
	c.l1.Close()
}
