package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{ip}:join - per-window guest join attempts
// - ratelimit:{ip}:create - per-window session creations

// RateLimitConfig contains configuration for rate limiting
type RateLimitConfig struct {
	JoinLimit    int           // Max join attempts per window
	JoinWindow   time.Duration // Join rate limit window
	CreateLimit  int           // Max session creations per window
	CreateWindow time.Duration // Create rate limit window
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		JoinLimit:    20,
		JoinWindow:   60 * time.Second,
		CreateLimit:  10,
		CreateWindow: 60 * time.Second,
	}
}

type Scope string

const (
	ScopeJoin   Scope = "join"
	ScopeCreate Scope = "create"
)

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client goredis.Scripter
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

func NewRateLimiter(client goredis.Scripter, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
	}
}

// fixedWindowScript increments the counter for KEYS[1] if it is below the
// limit and starts the window on first use. Returns {allowed, remaining, ttl}.
var fixedWindowScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

// Allow checks and consumes one action for subject in scope.
func (r *RateLimiter) Allow(ctx context.Context, scope Scope, subject string) (*RateLimitResult, error) {
	limit, window := r.limits(scope)
	key := fmt.Sprintf("ratelimit:%s:%s", subject, scope)
	return r.checkLimit(ctx, key, limit, window)
}

func (r *RateLimiter) limits(scope Scope) (int, time.Duration) {
	switch scope {
	case ScopeCreate:
		return r.config.CreateLimit, r.config.CreateWindow
	default:
		return r.config.JoinLimit, r.config.JoinWindow
	}
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	result, err := fixedWindowScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, ok1 := resultSlice[0].(int64)
	remaining, ok2 := resultSlice[1].(int64)
	ttl, ok3 := resultSlice[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected rate limit result types")
	}

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     limit,
	}, nil
}
