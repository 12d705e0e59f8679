package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PROVENANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROVENANCE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 4, 0)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE batches, resync_queue`)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTestStore(t) })
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var out struct {
		A int `json:"a"`
	}
	require.NoError(t, decodeStrict([]byte(`{"a":1}`), &out))
	require.Error(t, decodeStrict([]byte(`{"a":1,"b":2}`), &out))
	require.Error(t, decodeStrict([]byte(`{"a":1}{"a":2}`), &out))
}
