package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterStore answers whether an actor may spend cost tokens right now.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// LocalLimiterStore keeps a token bucket per actor in process memory.
// Suitable for single-node deployments and lite mode.
type LocalLimiterStore struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	actors  map[string]*localBucket
	lastGC  time.Time
	maxIdle time.Duration
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiterStore creates an in-process limiter.
func NewLocalLimiterStore(rps, burst int) *LocalLimiterStore {
	return &LocalLimiterStore{
		rps:     rate.Limit(rps),
		burst:   burst,
		actors:  make(map[string]*localBucket),
		lastGC:  time.Now(),
		maxIdle: 3 * time.Minute,
	}
}

// Allow implements LimiterStore.
func (s *LocalLimiterStore) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastGC) > time.Minute {
		for id, b := range s.actors {
			if now.Sub(b.lastSeen) > s.maxIdle {
				delete(s.actors, id)
			}
		}
		s.lastGC = now
	}

	b, ok := s.actors[actorID]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.actors[actorID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple nodes share one budget per actor.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore implements LimiterStore on a shared Redis bucket.
type RedisLimiterStore struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiterStore connects to Redis for distributed limiting.
func NewRedisLimiterStore(addr, password string, rps, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		rps:    float64(rps),
		burst:  burst,
	}
}

// Allow implements LimiterStore.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, s.rps, s.burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
