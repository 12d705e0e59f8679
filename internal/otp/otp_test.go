package otp

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/storage/postgres"
)

func TestGenerateShape(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Regexp(t, re, code)
		seen[code] = true
	}
	require.Greater(t, len(seen), 150, "codes should not repeat often")
}

func TestAttemptMatchesIsBoundToAttempt(t *testing.T) {
	a := Attempt{AttemptID: "att-1", CodeHash: HashCode("att-1", "123456")}
	require.True(t, a.Matches("123456"))
	require.False(t, a.Matches("654321"))

	b := Attempt{AttemptID: "att-2", CodeHash: HashCode("att-2", "999999")}
	require.False(t, b.Matches("123456"))
	require.NotEqual(t, HashCode("att-1", "123456"), HashCode("att-2", "123456"))
}

func TestAttemptExpired(t *testing.T) {
	now := time.Now()
	a := Attempt{ExpiresAt: now}
	require.True(t, a.Expired(now))
	require.False(t, a.Expired(now.Add(-time.Second)))
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	a := Attempt{AttemptID: "att-1", BatchID: "KA-WHE-DL-123456", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.Put(ctx, a))

	got, ok, err := s.Get(ctx, a.BatchID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "att-1", got.AttemptID)

	deleted, err := s.Delete(ctx, a.BatchID, "att-other")
	require.NoError(t, err)
	require.False(t, deleted)
	_, ok, err = s.Get(ctx, a.BatchID)
	require.NoError(t, err)
	require.True(t, ok, "delete with a stale attempt id must not remove the current attempt")

	failures, ok, err := s.RecordFailure(ctx, a.BatchID, "att-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, failures)
	_, ok, err = s.RecordFailure(ctx, a.BatchID, "att-other")
	require.NoError(t, err)
	require.False(t, ok)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.RecordFailure(ctx, a.BatchID, "att-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, _, err = s.Get(ctx, a.BatchID)
	require.NoError(t, err)
	require.Equal(t, 11, got.Failures, "concurrent failures are all counted")
	require.Equal(t, "att-1", got.AttemptID)

	deleted, err = s.Delete(ctx, a.BatchID, "att-1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = s.RecordFailure(ctx, a.BatchID, "att-1")
	require.NoError(t, err)
	require.False(t, ok, "a consumed attempt is not brought back")
	_, ok, err = s.Get(ctx, a.BatchID)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err = s.Delete(ctx, a.BatchID, "att-1")
	require.NoError(t, err)
	require.False(t, deleted, "an attempt is consumed once")
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PROVENANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROVENANCE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	runStoreContract(t, NewRedisStore(client, "provenance:test:otp:"))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PROVENANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROVENANCE_TEST_POSTGRES_DSN not set")
	}
	store, err := postgres.Open(context.Background(), dsn, 4, 0)
	require.NoError(t, err)
	defer store.Close()
	runStoreContract(t, NewPostgresStore(store.Pool()))
}
