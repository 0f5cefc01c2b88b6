package database

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type memoryEntry[T any] struct {
	value    T
	expireAt time.Time
}

// memoryRepository RedisRepository kept in process, for local mode and tests
type memoryRepository[T any] struct {
	mu    sync.Mutex
	clock quartz.Clock
	data  map[string]memoryEntry[T]
}

// NewMemoryRepository create an in-process RedisRepository
func NewMemoryRepository[T any](clock quartz.Clock) RedisRepository[T] {
	return &memoryRepository[T]{clock: clock, data: make(map[string]memoryEntry[T])}
}

// lookup returns the live entry, dropping it when expired. mu must be held.
func (m *memoryRepository[T]) lookup(key string) (memoryEntry[T], bool) {
	e, ok := m.data[key]
	if !ok {
		return e, false
	}
	if !e.expireAt.IsZero() && !m.clock.Now().Before(e.expireAt) {
		delete(m.data, key)
		return e, false
	}
	return e, true
}

func (m *memoryRepository[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry[T]{value: value}
	if ttl > 0 {
		e.expireAt = m.clock.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *memoryRepository[T]) Get(_ context.Context, key string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		var zero T
		return zero, ErrCacheMiss
	}
	return e.value, nil
}

func (m *memoryRepository[T]) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryRepository[T]) GetTTL(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.expireAt.IsZero() {
		return 0, nil
	}
	return int(e.expireAt.Sub(m.clock.Now()).Seconds()), nil
}

func (m *memoryRepository[T]) ExtendTTL(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return ErrCacheMiss
	}
	e.expireAt = m.clock.Now().Add(ttl)
	m.data[key] = e
	return nil
}
