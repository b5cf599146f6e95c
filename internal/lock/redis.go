package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned when the lock stayed busy until ctx ended.
var ErrNotAcquired = errors.New("lock: not acquired")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisOptions tune RedisLocker.
type RedisOptions struct {
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
}

// RedisLocker serialises keys across hosts with SET NX PX and an owner token.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisLocker builds a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions, logger zerolog.Logger) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "spendopt:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// Lock polls until the key is acquired or ctx is done. The lock expires
// after TTL if the holder dies.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.opts.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, redisKey, ctx.Err())
		case <-time.After(l.opts.RetryDelay):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", redisKey).Msg("release lock")
		}
	}, nil
}
