package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	pkgredis "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/redis"
)

// ErrMiss is returned by backends for absent or expired keys.
var ErrMiss = errors.New("session: key not found")

// Backend is the key-value primitive the cache is built on. It offers
// put-if-absent and overwrite-on-higher-nonce; there is no other
// read-modify-write.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	PutIfNotLower(ctx context.Context, key string, nonce int64, value []byte, ttl time.Duration) (bool, error)
	GetNonced(ctx context.Context, key string) ([]byte, int64, error)
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
}

// RedisBackend stores entries in Redis.
type RedisBackend struct {
	client *pkgredis.Client
}

func NewRedisBackend(client *pkgredis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, key)
	if pkgredis.IsNilError(err) {
		return nil, ErrMiss
	}
	return v, err
}

func (b *RedisBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl)
}

func (b *RedisBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl)
}

func (b *RedisBackend) PutIfNotLower(ctx context.Context, key string, nonce int64, value []byte, ttl time.Duration) (bool, error) {
	return b.client.PutIfNotLower(ctx, key, nonce, value, ttl)
}

func (b *RedisBackend) GetNonced(ctx context.Context, key string) ([]byte, int64, error) {
	v, n, err := b.client.GetNonced(ctx, key)
	if pkgredis.IsNilError(err) {
		return nil, 0, ErrMiss
	}
	return v, n, err
}

func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return b.client.FlushByPattern(ctx, prefix+"*")
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

type memEntry struct {
	value   []byte
	nonce   int64
	expires time.Time
}

// MemoryBackend is a single-process Backend with TTL expiry on read.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	clock   feed.Clock
}

func NewMemoryBackend(clock feed.Clock) *MemoryBackend {
	if clock == nil {
		clock = feed.SystemClock{}
	}
	return &MemoryBackend{entries: make(map[string]memEntry), clock: clock}
}

func (b *MemoryBackend) liveLocked(key string) (memEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !b.clock.Now().Before(e.expires) {
		delete(b.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.liveLocked(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (b *MemoryBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memEntry{value: append([]byte(nil), value...), expires: b.clock.Now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.liveLocked(key); ok {
		return false, nil
	}
	b.entries[key] = memEntry{value: append([]byte(nil), value...), expires: b.clock.Now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) PutIfNotLower(ctx context.Context, key string, nonce int64, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.liveLocked(key); ok && e.nonce > nonce {
		return false, nil
	}
	b.entries[key] = memEntry{value: append([]byte(nil), value...), nonce: nonce, expires: b.clock.Now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) GetNonced(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.liveLocked(key)
	if !ok {
		return nil, 0, ErrMiss
	}
	return append([]byte(nil), e.value...), e.nonce, nil
}

func (b *MemoryBackend) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			delete(b.entries, k)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}
