package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "rocketcaster:ratelimit:"

// Redis shares counters between server instances. Each key lives for one
// window and is incremented by a Lua script that also sets the expiry.
type Redis struct {
	client *redis.Client
	policy Policy
	logger *zap.Logger
}

type RedisOptions struct {
	Addr string
	DB   int
}

func NewRedis(opts RedisOptions, policy Policy, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
		// retries are decided by retryRedisOperation
		MaxRetries: -1,
	})
	return NewRedisWithClient(client, policy, logger)
}

func NewRedisWithClient(client *redis.Client, policy Policy, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		policy: policy.normalize(),
		logger: logger,
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// windowScript increments the counter and starts the window on a fresh key
// in one atomic step. Returns {count, pttl}.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := keyPrefix + key

	// INCR is not idempotent, so only failures that never reached the
	// server are retried.
	vals, err := retryRedisOperation(ctx, isDialError, func() ([]int64, error) {
		return windowScript.Run(ctx, r.client, []string{redisKey}, r.policy.Window.Milliseconds()).Int64Slice()
	})
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply %v", vals)
	}

	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	if count > int64(r.policy.Requests) {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: r.policy.Requests - int(count)}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// isDialError reports whether err happened while connecting, before any
// command was written.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// retryRedisOperation retries op with exponential backoff so a restarting
// Redis does not fail every request. Errors for which retryable returns
// false are returned at once.
func retryRedisOperation[T any](ctx context.Context, retryable func(error) bool, op func() (T, error)) (T, error) {
	const maxRetries = 3
	const initialBackoff = 100 * time.Millisecond

	var lastErr error
	var zero T

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := op()
		if err != nil {
			if !retryable(err) {
				return zero, err
			}
			lastErr = err
			continue
		}
		return result, nil
	}

	return zero, fmt.Errorf("redis operation failed after %d retries: %w", maxRetries, lastErr)
}
