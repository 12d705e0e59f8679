package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] = lease key, ARGV[1] = token, ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every API instance pointing at the same Redis.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(addr, password string, db int, keyPrefix string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(rdb, keyPrefix)
}

func NewRedisWithClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "provenance:lease:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, ErrHeld
	}
	return Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (r *Redis) Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	n, err := extendScript.Run(ctx, r.client, []string{r.keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, fmt.Errorf("redis extend %s: %w", lease.Key, err)
	}
	if n != 1 {
		return Lease{}, ErrLost
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return lease, nil
}

func (r *Redis) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", lease.Key, err)
	}
	return nil
}
