package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

const (
	redisKeyPrefix      = "everywhere-relay:state:"
	redisLockSuffix     = ":lock"
	redisLockRetryDelay = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements the Store interface using Redis. The snapshot lives
// under one key; a second key with a TTL acts as the cross-process lock.
type RedisStore struct {
	client  *redis.Client
	key     string
	lockTTL time.Duration
}

// NewRedisStore creates a new RedisStore connected to the given Redis URL.
// The URL is parsed with redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisStore(url, key string, lockTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		key:     redisKeyPrefix + key,
		lockTTL: lockTTL,
	}, nil
}

// Load returns the stored snapshot. A missing key is a first use.
func (r *RedisStore) Load(ctx context.Context) (*track.State, error) {
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return track.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", r.key, err)
	}
	return decode(val)
}

// Save stores the snapshot without expiry; entries age out individually.
func (r *RedisStore) Save(ctx context.Context, s *track.State) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", r.key, err)
	}
	return nil
}

// Lock acquires the state lock with SET NX PX, polling until ctx is done.
func (r *RedisStore) Lock(ctx context.Context) (func(), error) {
	lockKey := r.key + redisLockSuffix
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SETNX %s: %w", lockKey, err)
		}
		if ok {
			return func() {
				// Release with a fresh context: the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, r.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, ctx.Err())
		case <-time.After(redisLockRetryDelay):
		}
	}
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
