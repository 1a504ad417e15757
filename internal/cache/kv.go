// Package cache provides the short-TTL key-value mirror of session state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a string key-value store with per-key expiry.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ok=false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisKV implements KV with go-redis.
type RedisKV struct {
	client *redis.Client
}

// NewRedis creates a RedisKV from a redis:// or rediss:// URL.
func NewRedis(redisURL string) (*RedisKV, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisKV{client: redis.NewClient(opt)}, nil
}

// Set stores value under key with ttl.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get fetches key.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Delete removes key.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping checks the connection.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// MemoryKV is an in-process KV used when no Redis is configured.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
	nowF  func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an empty MemoryKV.
func NewMemory() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), nowF: time.Now}
}

// Set stores value under key. A non-positive ttl never expires.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.nowF().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// Get fetches key, dropping it if expired.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !m.nowF().Before(item.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Delete removes key.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (m *MemoryKV) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryKV) Close() error { return nil }
