package sessionstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "main", "thread_1"))
	require.NoError(t, store.Put(ctx, "aramid", "thread_2"))

	id, ok, err := store.Get(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "thread_1", id)

	require.NoError(t, store.Put(ctx, "main", "thread_3"))
	id, _, err = store.Get(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "thread_3", id)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": "thread_3", "aramid": "thread_2"}, all)

	require.NoError(t, store.Delete(ctx, "main"))
	require.NoError(t, store.Delete(ctx, "missing"))
	_, ok, err = store.Get(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemory_ListIsSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "a", "1"))

	all, err := m.List(ctx)
	require.NoError(t, err)
	all["a"] = "changed"

	id, _, _ := m.Get(ctx, "a")
	assert.Equal(t, "1", id)
}

func TestSQLite(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "main", "thread_1"))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	id, ok, err := reopened.Get(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "thread_1", id)
}

func TestSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestCached(t *testing.T) {
	cached, err := NewCached(NewMemory(), 8)
	require.NoError(t, err)
	runStoreContract(t, cached)
}

func TestCached_InvalidSize(t *testing.T) {
	_, err := NewCached(NewMemory(), 0)
	assert.Error(t, err)
}

type countingStore struct {
	Store
	gets   int
	putErr error
}

func (c *countingStore) Get(ctx context.Context, name string) (string, bool, error) {
	c.gets++
	return c.Store.Get(ctx, name)
}

func (c *countingStore) Put(ctx context.Context, name, id string) error {
	if c.putErr != nil {
		return c.putErr
	}
	return c.Store.Put(ctx, name, id)
}

func TestCached_ServesRepeatedReadsFromCache(t *testing.T) {
	ctx := context.Background()
	base := &countingStore{Store: NewMemory()}
	require.NoError(t, base.Store.Put(ctx, "main", "thread_1"))

	cached, err := NewCached(base, 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, ok, err := cached.Get(ctx, "main")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "thread_1", id)
	}
	assert.Equal(t, 1, base.gets)
}

func TestCached_FailedPutDoesNotCache(t *testing.T) {
	ctx := context.Background()
	base := &countingStore{Store: NewMemory(), putErr: errors.New("disk full")}
	cached, err := NewCached(base, 4)
	require.NoError(t, err)

	require.Error(t, cached.Put(ctx, "main", "thread_1"))
	_, ok, err := cached.Get(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("THREADLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("THREADLINE_TEST_REDIS_ADDR not set, skipping redis test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "threadline-test-" + strconv.Itoa(os.Getpid()) + ":"
	store := NewRedis(client, prefix)
	defer client.Del(ctx, prefix+"sessions")

	runStoreContract(t, store)
}
