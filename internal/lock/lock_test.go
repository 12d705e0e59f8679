package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/storage/postgres"
)

func TestLocalAcquireIsExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "KA-WHE-DL-123456", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "KA-WHE-DL-123456", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	_, err = l.Acquire(ctx, "KA-RIC-MH-000001", time.Minute)
	require.NoError(t, err, "other keys are independent")

	require.NoError(t, l.Release(ctx, lease))
	_, err = l.Acquire(ctx, "KA-WHE-DL-123456", time.Minute)
	require.NoError(t, err)
}

func TestLocalLeaseExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal().WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Extend(ctx, first, time.Minute)
	require.ErrorIs(t, err, ErrLost)

	second, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// A stale holder must not release the new lease.
	require.NoError(t, l.Release(ctx, first))
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	extended, err := l.Extend(ctx, second, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, now.Add(10*time.Minute), extended.ExpiresAt)
}

func TestLocalConcurrentAcquire(t *testing.T) {
	l := NewLocal()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func runLeaseContract(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	key := "KA-WHE-DL-" + time.Now().Format("150405")

	lease, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	_, err = l.Extend(ctx, Lease{Key: key, Token: "someone-else"}, time.Minute)
	require.ErrorIs(t, err, ErrLost)
	_, err = l.Extend(ctx, lease, 2*time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, Lease{Key: key, Token: "someone-else"}))
	_, err = l.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx, lease))
	again, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, again))
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("PROVENANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROVENANCE_TEST_REDIS_ADDR not set")
	}
	r := NewRedis(addr, "", 0, "provenance:test:lease:")
	defer r.Close()
	runLeaseContract(t, r)
}

func TestPostgresLease(t *testing.T) {
	dsn := os.Getenv("PROVENANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROVENANCE_TEST_POSTGRES_DSN not set")
	}
	store, err := postgres.Open(context.Background(), dsn, 4, 0)
	require.NoError(t, err)
	defer store.Close()
	runLeaseContract(t, NewPostgres(store.Pool(), "provenance:test:lease:"))
}
