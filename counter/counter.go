// Package counter keeps per-key access counts.
//
// Counts only ever grow. There is no expiration and no decrement.
package counter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Counter tracks how many times each key was accessed.
//
// Implementations must be thread-safe: concurrent increments of one key are never lost.
type Counter interface {
	// Increment adds one to the count for key and returns the new count.
	Increment(ctx context.Context, key string) (int64, error)
	// Get returns the current count for key, zero for keys never seen.
	Get(ctx context.Context, key string) (int64, error)
	// ForEach calls fn for every key with a non-zero count until fn returns false.
	ForEach(ctx context.Context, fn func(key string, count int64) bool) error
}

// Memory is an in-process Counter. Counts live as long as the value.
type Memory struct {
	mutex  sync.RWMutex
	counts map[string]*atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{
		counts: make(map[string]*atomic.Int64),
	}
}

func (m *Memory) Increment(_ context.Context, key string) (int64, error) {
	return m.slot(key).Add(1), nil
}

// slot returns the counter cell for key, creating it on first access.
func (m *Memory) slot(key string) *atomic.Int64 {
	m.mutex.RLock()
	c, ok := m.counts[key]
	m.mutex.RUnlock()
	if ok {
		return c
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok = m.counts[key]; !ok {
		c = new(atomic.Int64)
		m.counts[key] = c
	}
	return c
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if c, ok := m.counts[key]; ok {
		return c.Load(), nil
	}
	return 0, nil
}

// ForEach visits keys in lexical order.
// Increments that happen during the walk may or may not be observed.
func (m *Memory) ForEach(ctx context.Context, fn func(key string, count int64) bool) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.counts))
	cells := make(map[string]*atomic.Int64, len(m.counts))
	for key, c := range m.counts {
		keys = append(keys, key)
		cells[key] = c
	}
	m.mutex.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(key, cells[key].Load()) {
			return nil
		}
	}
	return nil
}

var _ Counter = (*Memory)(nil)
