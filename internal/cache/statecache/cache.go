// Package statecache is C4: a write-through cache in front of the
// authoritative state store. The authoritative store is always written
// first; the cache write is best-effort and never blocks a match decision.
package statecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainwatch/pulse/internal/domain/state"
	"github.com/chainwatch/pulse/internal/store/statestore"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

// Config controls TTL and the enabled/disabled feature flag.
type Config struct {
	Enabled bool
	TTL     time.Duration
	MinTTL  time.Duration
}

// Cache is the write-through state cache. On Redis failure it degrades to
// reading straight through to the authoritative store rather than failing
// the evaluation.
type Cache struct {
	redis *redis.Client
	store statestore.Store
	log   *logger.Logger
	cfg   Config

	mu       sync.RWMutex
	degraded bool
}

// New builds a Cache. If cfg.Enabled is false, Get always reads through to
// store and Put only ever writes to store — the cache layer is a no-op.
func New(client *redis.Client, store statestore.Store, log *logger.Logger, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 30 * time.Second
	}
	if cfg.TTL < cfg.MinTTL {
		cfg.TTL = cfg.MinTTL
	}
	return &Cache{redis: client, store: store, log: log, cfg: cfg}
}

// Get returns the state for (triggerID, conditionID), preferring Redis and
// falling back to the authoritative store on a cache miss or when the
// cache is disabled or degraded.
func (c *Cache) Get(ctx context.Context, triggerID, conditionID string) (state.TriggerState, bool, error) {
	if c.cfg.Enabled && !c.isDegraded() {
		ts, ok, err := c.getFromRedis(ctx, triggerID, conditionID)
		if err == nil {
			if ok {
				metrics.CacheHits.Inc()
			} else {
				metrics.CacheMisses.Inc()
			}
			if ok {
				return ts, true, nil
			}
		} else {
			c.markDegraded(err)
		}
	}

	ts, ok, err := c.store.Get(ctx, triggerID, conditionID)
	if err != nil {
		return state.TriggerState{}, false, err
	}
	if ok && c.cfg.Enabled && !c.isDegraded() {
		c.bestEffortSet(ctx, ts)
	}
	return ts, ok, nil
}

// Put writes ts to the authoritative store first (this call does not
// return until that succeeds), then best-effort refreshes the cache entry.
// A cache write failure never fails the call.
func (c *Cache) Put(ctx context.Context, ts state.TriggerState) error {
	if err := c.store.Put(ctx, ts); err != nil {
		return err
	}
	if c.cfg.Enabled && !c.isDegraded() {
		c.bestEffortSet(ctx, ts)
	}
	return nil
}

// Delete removes the state for (triggerID, conditionID) from the
// authoritative store first, then best-effort evicts the cache entry —
// delete_state never returns until the store row is gone.
func (c *Cache) Delete(ctx context.Context, triggerID, conditionID string) error {
	if err := c.store.Delete(ctx, triggerID, conditionID); err != nil {
		return err
	}
	if c.cfg.Enabled && !c.isDegraded() {
		if err := c.redis.Del(ctx, redisKey(triggerID, conditionID)).Err(); err != nil {
			c.markDegraded(err)
		}
	}
	return nil
}

func (c *Cache) getFromRedis(ctx context.Context, triggerID, conditionID string) (state.TriggerState, bool, error) {
	raw, err := c.redis.Get(ctx, redisKey(triggerID, conditionID)).Bytes()
	if err == redis.Nil {
		return state.TriggerState{}, false, nil
	}
	if err != nil {
		return state.TriggerState{}, false, err
	}
	var ts state.TriggerState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return state.TriggerState{}, false, err
	}
	return ts, true, nil
}

func (c *Cache) bestEffortSet(ctx context.Context, ts state.TriggerState) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(ts.TriggerID, ts.ConditionID), raw, c.cfg.TTL).Err(); err != nil {
		c.markDegraded(err)
	}
}

func (c *Cache) markDegraded(err error) {
	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = true
	c.mu.Unlock()
	metrics.CacheDegraded.Set(1)
	if !wasDegraded {
		c.log.WithField("component", "statecache").WithError(err).Warn("cache degraded to authoritative-store-only mode")
	}
}

func (c *Cache) isDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Recover clears the degraded flag; call it after a successful periodic
// Redis health probe so the cache resumes normal operation.
func (c *Cache) Recover() {
	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = false
	c.mu.Unlock()
	metrics.CacheDegraded.Set(0)
	if wasDegraded {
		c.log.WithField("component", "statecache").Info("cache recovered from degraded mode")
	}
}

func redisKey(triggerID, conditionID string) string {
	return "pulse:state:" + triggerID + ":" + conditionID
}
