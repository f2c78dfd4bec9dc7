package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, time.Second)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStorePutGetDel(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "oauth2:code:abc", []byte(`{"user_id":"u1"}`), time.Minute))

	val, ok, err := store.GetDel(ctx, "oauth2:code:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"user_id":"u1"}`), val)

	// The key is gone after the first GetDel.
	_, ok, err = store.GetDel(ctx, "oauth2:code:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreGetDelUnknownKey(t *testing.T) {
	store, _ := newMiniredisStore(t)

	val, ok, err := store.GetDel(context.Background(), "oauth2:code:missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, val)
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "oauth2:refresh:r1", []byte("v"), 5*time.Minute))

	mr.FastForward(5*time.Minute + time.Second)

	_, ok, err := store.GetDel(ctx, "oauth2:refresh:r1")
	require.NoError(t, err)
	assert.False(t, ok, "expired key must read as absent")
}

func TestRedisStoreDeleteIdempotent(t *testing.T) {
	store, _ := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, ok, err := store.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreErrorsAreNotMisses(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Minute))
	mr.Close()

	_, ok, err := store.GetDel(ctx, "k")
	require.Error(t, err, "infrastructure failure must surface as an error")
	assert.False(t, ok)
}

func TestInMemoryStoreGetDelConcurrent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), time.Minute))

	const callers = 64
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := store.GetDel(ctx, "k"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one caller may observe the value")
}

func TestInMemoryStoreExpiry(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := store.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
