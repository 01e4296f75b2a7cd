// Package cache provides prediction result caches: a bounded in-process
// TTL cache and a Redis-backed cache shared between replicas.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	timestamp time.Time
}

// Memory is a size-bounded TTL cache. When full, the oldest entry is
// evicted.
type Memory struct {
	mu      sync.RWMutex
	cache   map[string]*entry
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a cache holding at most maxSize entries for ttl each
// and starts its background cleaner. Call Close to stop the cleaner.
func NewMemory(maxSize int, ttl time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = 1
	}
	m := &Memory{
		cache:   make(map[string]*entry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go m.backgroundCleaner()
	}
	return m
}

// Get returns the value stored under key if it has not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.cache[key]; ok {
		if m.ttl <= 0 || m.now().Sub(e.timestamp) < m.ttl {
			return e.value, true, nil
		}
	}
	return nil, false, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[key]; !exists && len(m.cache) >= m.maxSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range m.cache {
			if oldestTime.IsZero() || v.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.timestamp
			}
		}
		delete(m.cache, oldestKey)
	}

	m.cache[key] = &entry{
		value:     append([]byte(nil), value...),
		timestamp: m.now(),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Close stops the background cleaner.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) backgroundCleaner() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.clean()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) clean() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.cache {
		if now.Sub(e.timestamp) >= m.ttl {
			delete(m.cache, key)
		}
	}
}
