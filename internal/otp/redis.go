package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] = attempt key, ARGV[1] = attempt id
var deleteIfCurrent = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local attempt = cjson.decode(raw)
if attempt["attemptId"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1] = attempt key, ARGV[1] = attempt id; -1 when the attempt is gone
var countFailure = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return -1
end
local attempt = cjson.decode(raw)
if attempt["attemptId"] ~= ARGV[1] then
  return -1
end
local failures = (tonumber(attempt["failures"]) or 0) + 1
attempt["failures"] = failures
redis.call("SET", KEYS[1], cjson.encode(attempt), "KEEPTTL")
return failures
`)

// RedisStore shares pending attempts between API instances. Entries expire
// with the attempt.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "provenance:otp:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Put(ctx context.Context, a Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ttl := time.Until(a.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.keyPrefix+a.BatchID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis put attempt %s: %w", a.BatchID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, batchID string) (Attempt, bool, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+batchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, fmt.Errorf("redis get attempt %s: %w", batchID, err)
	}
	var a Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return Attempt{}, false, fmt.Errorf("decode attempt %s: %w", batchID, err)
	}
	return a, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, batchID, attemptID string) (bool, error) {
	n, err := deleteIfCurrent.Run(ctx, s.client, []string{s.keyPrefix + batchID}, attemptID).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete attempt %s: %w", batchID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, batchID, attemptID string) (int, bool, error) {
	n, err := countFailure.Run(ctx, s.client, []string{s.keyPrefix + batchID}, attemptID).Int()
	if err != nil {
		return 0, false, fmt.Errorf("redis record failure %s: %w", batchID, err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}
