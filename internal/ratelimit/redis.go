package ratelimit

import (
	"context"
	"fmt"
	"time"

	"whatsapp-gateway/internal/client"
	"whatsapp-gateway/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// fixedWindowScript increments the counter and stamps the window TTL on the
// first hit, atomically. Returns {count, remaining window millis}.
const fixedWindowScript = `
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {count, ttl}
`

// RedisLimiter shares fixed-window buckets across processes. The Lua script
// keeps increment-and-expire atomic so concurrent requests for the same key
// are counted exactly.
type RedisLimiter struct {
	client   *client.RedisClient
	policies map[Scope]Policy
}

func NewRedisLimiter(client *client.RedisClient, policies map[Scope]Policy) *RedisLimiter {
	return &RedisLimiter{client: client, policies: policies}
}

func (l *RedisLimiter) Allow(ctx context.Context, scope Scope, key string) (Decision, error) {
	policy, ok := l.policies[scope]
	if !ok {
		return Decision{}, ErrUnknownScope
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bucketKey := rateLimitPrefix + string(scope) + ":" + key
	result, err := l.client.Eval(ctx, fixedWindowScript, []string{bucketKey}, policy.Window.Milliseconds())
	if err != nil {
		util.Error("Failed to execute fixed window rate limit",
			util.String("scope", string(scope)),
			util.String("key", key),
			util.ErrorField(err),
		)
		return Decision{}, fmt.Errorf("failed to execute fixed window rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected result format from rate limit script")
	}
	count := values[0].(int64)
	ttlMillis := values[1].(int64)

	if count > int64(policy.Limit) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Duration(ttlMillis) * time.Millisecond,
		}, nil
	}

	return Decision{Allowed: true, Remaining: policy.Limit - int(count)}, nil
}
