package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestMemoryStore(t *testing.T) Store {
	return NewMemoryStore()
}

// newTestRedisStore starts a miniredis server scoped to the test
func newTestRedisStore(t *testing.T) Store {
	store, _ := newMiniRedisStore(t, 0)
	return store
}

func newMiniRedisStore(t *testing.T, retention time.Duration) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, "test", retention), mr
}

// newTestPostgresStore connects to TEST_POSTGRES_URL, migrating it first.
// Skips when the variable is unset.
func newTestPostgresStore(t *testing.T) Store {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	require.NoError(t, RunMigrations(url, "../../migrations/postgres"))

	db, err := NewPostgresDBFromURL(testContext(t), url, 5)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return NewPostgresStore(db)
}
