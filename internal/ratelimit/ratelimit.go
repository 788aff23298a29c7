// Package ratelimit is C9: a minute-bucketed sliding window counter backed
// by Redis, with an in-process token-bucket fallback (grounded on
// golang.org/x/time/rate) for when Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

// Decision is the result of one check_and_consume call.
type Decision struct {
	Allowed      bool
	CurrentUsage int64
	Limit        int64
	ResetAt      int64
}

// slidingWindowScript implements the bucketed algorithm atomically: sum the
// B minute buckets in the window, reject without mutation if usage+cost
// would exceed limit, otherwise increment the current bucket and set its
// expiry on first creation.
const slidingWindowScript = `
local prefix = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket_seconds = 60
local current_minute = math.floor(now / bucket_seconds) * bucket_seconds
local buckets = math.floor(window / bucket_seconds)

local usage = 0
local oldest_bucket = current_minute
for i = 0, buckets - 1 do
	local bucket_time = current_minute - i * bucket_seconds
	local v = redis.call("GET", prefix .. ":" .. bucket_time)
	if v then
		usage = usage + tonumber(v)
		oldest_bucket = bucket_time
	end
end

if usage + cost > limit then
	return {0, usage, limit, oldest_bucket + window}
end

local key = prefix .. ":" .. current_minute
local newval = redis.call("INCRBY", key, cost)
if tonumber(newval) == cost then
	redis.call("EXPIRE", key, window + bucket_seconds)
end

return {1, usage + cost, limit, current_minute + window}
`

// Limiter is the C9 sliding-window rate limiter.
type Limiter struct {
	redis    *redis.Client
	script   *redis.Script
	log      *logger.Logger
	fallback bool
	failOpen bool

	mu        sync.Mutex
	degraded  bool
	fallbacks map[string]*rate.Limiter
}

// Config controls fallback policy. FailOpen governs what happens when
// Redis is unreachable: true approximates with an in-process limiter
// (suitable for an ingress gateway, where availability matters more than
// perfect accuracy); false fails closed, denying every request (required
// for worker per-recipient limits protecting external endpoints).
type Config struct {
	FailOpen bool
}

// New builds a Limiter.
func New(client *redis.Client, log *logger.Logger, cfg Config) *Limiter {
	return &Limiter{
		redis:     client,
		script:    redis.NewScript(slidingWindowScript),
		log:       log,
		failOpen:  cfg.FailOpen,
		fallbacks: make(map[string]*rate.Limiter),
	}
}

// CheckAndConsume runs the atomic sliding-window algorithm for key. cost is
// the query-tier multiplier; nowEpochSeconds lets tests and boundary
// scenarios pin the clock.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, limit int64, windowSeconds int64, cost int64, nowEpochSeconds int64) (Decision, error) {
	if windowSeconds <= 0 {
		windowSeconds = 3600
	}
	if cost <= 0 {
		cost = 1
	}

	prefix := "pulse:rl:" + key
	res, err := l.script.Run(ctx, l.redis, []string{prefix}, nowEpochSeconds, windowSeconds, limit, cost).Result()
	if err != nil {
		return l.checkFallback(key, limit, windowSeconds, cost, err)
	}
	l.markHealthy()

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result shape %T", res)
	}
	allowed := toInt64(vals[0]) == 1
	d := Decision{
		Allowed:      allowed,
		CurrentUsage: toInt64(vals[1]),
		Limit:        toInt64(vals[2]),
		ResetAt:      toInt64(vals[3]),
	}
	metrics.LimiterDecisions.WithLabelValues("redis", resultLabel(allowed)).Inc()
	return d, nil
}

func (l *Limiter) checkFallback(key string, limit, windowSeconds, cost int64, cause error) (Decision, error) {
	l.markDegraded(cause)
	if !l.failOpen {
		metrics.LimiterDecisions.WithLabelValues("fallback", "denied").Inc()
		return Decision{Allowed: false, Limit: limit}, nil
	}

	lim := l.fallbackLimiterFor(key, limit, windowSeconds)
	allowed := lim.AllowN(time.Now(), int(cost))
	metrics.LimiterDecisions.WithLabelValues("fallback", resultLabel(allowed)).Inc()
	return Decision{Allowed: allowed, Limit: limit}, nil
}

// fallbackLimiterFor lazily builds a per-key token bucket approximating the
// same average rate (limit per windowSeconds) as the Redis-backed window,
// with burst capacity equal to limit so a cold key doesn't immediately
// throttle a legitimate burst.
func (l *Limiter) fallbackLimiterFor(key string, limit, windowSeconds int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.fallbacks[key]
	if !ok {
		ratePerSec := float64(limit) / float64(windowSeconds)
		lim = rate.NewLimiter(rate.Limit(ratePerSec), int(limit))
		l.fallbacks[key] = lim
	}
	return lim
}

func (l *Limiter) markDegraded(err error) {
	l.mu.Lock()
	wasDegraded := l.degraded
	l.degraded = true
	l.mu.Unlock()
	metrics.LimiterFallback.Set(1)
	if !wasDegraded {
		l.log.WithField("component", "ratelimit").WithError(err).Warn("limiter degraded to in-process fallback")
	}
}

func (l *Limiter) markHealthy() {
	l.mu.Lock()
	wasDegraded := l.degraded
	l.degraded = false
	l.mu.Unlock()
	if wasDegraded {
		metrics.LimiterFallback.Set(0)
		l.log.WithField("component", "ratelimit").Info("limiter recovered, resuming redis-backed sliding window")
	}
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
