package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxTTL is the upstream compliance ceiling on cached product data.
// Larger TTLs are clamped at write time, never rejected.
const MaxTTL = 24 * time.Hour

// Store is a bounded-TTL key/value store. It is a soft dependency:
// implementations log internal failures and degrade to misses and no-ops
// instead of returning errors.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration, now time.Time)
	Delete(ctx context.Context, key string)
	// ClearPrefix removes entries under the given namespace prefix only,
	// returning how many were removed.
	ClearPrefix(ctx context.Context, prefix string) int
	// IsStale reports whether key exists with less than threshold of its
	// TTL remaining. Hook point for background refresh strategies.
	IsStale(ctx context.Context, key string, threshold time.Duration, now time.Time) bool
	Size(ctx context.Context) int
}

func clampTTL(ttl time.Duration, log zerolog.Logger) time.Duration {
	if ttl > MaxTTL {
		log.Warn().
			Dur("requested_ttl", ttl).
			Dur("max_ttl", MaxTTL).
			Msg("cache ttl exceeds compliance ceiling, clamping")
		return MaxTTL
	}
	return ttl
}

type memoryEntry struct {
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

// Memory is the in-process Store used in development and tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	log   zerolog.Logger
}

func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{items: make(map[string]memoryEntry), log: log}
}

func (m *Memory) Get(_ context.Context, key string, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if now.Sub(entry.storedAt) > entry.ttl {
		delete(m.items, key)
		return nil, false
	}
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

func (m *Memory) Set(_ context.Context, key string, data []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	ttl = clampTTL(ttl, m.log)
	out := make([]byte, len(data))
	copy(out, data)
	m.mu.Lock()
	m.items[key] = memoryEntry{data: out, storedAt: now, ttl: ttl}
	m.mu.Unlock()
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *Memory) ClearPrefix(_ context.Context, prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) IsStale(_ context.Context, key string, threshold time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	if !ok {
		return false
	}
	remaining := entry.ttl - now.Sub(entry.storedAt)
	return remaining > 0 && remaining < threshold
}

func (m *Memory) Size(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
