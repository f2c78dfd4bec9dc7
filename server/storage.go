package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyedExpiringStore is the atomic put/get-and-delete-with-TTL primitive
// backing authorization codes and refresh tokens. GetDel must be atomic:
// under concurrent calls on the same key exactly one caller observes the
// value.
type KeyedExpiringStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetDel(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// RedisStore implements KeyedExpiringStore on a Redis server. Every
// operation runs under a bounded timeout; a timeout or connection
// failure surfaces as an error, never as a missing key.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout.Std(),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout.Std())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisStore{client: client, opTimeout: cfg.OpTimeout.Std()}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Used by tests
// running against miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Put stores value under key with the given TTL.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store put %q: %w", key, err)
	}
	return nil
}

// GetDel atomically fetches and removes key. Absent or expired keys
// return ok=false with a nil error; infrastructure failures return an
// error so callers can fail closed.
func (s *RedisStore) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	val, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store getdel %q: %w", key, err)
	}
	return val, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryStore keeps ephemeral state under a mutex. It backs dev mode
// and tests; the mutex gives GetDel the same exactly-one-winner
// semantics as the Redis GETDEL.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]memEntry)}
}

// Put stores value under key with the given TTL.
func (s *InMemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetDel fetches and removes key under the store lock.
func (s *InMemoryStore) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	delete(s.entries, key)
	if time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Delete removes key.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
