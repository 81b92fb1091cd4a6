package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryIdempotencyRepo caches Initiate responses keyed by the client
// Idempotency-Key. A zero TTL keeps entries forever.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]cachedResponse
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]cachedResponse)}
}

// GetResponse retrieves cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	if !ok || (!value.expiresAt.IsZero() && m.now().After(value.expiresAt)) {
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores response payload.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := cachedResponse{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}
	m.responses[key] = entry
	return nil
}
