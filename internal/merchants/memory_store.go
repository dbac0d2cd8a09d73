package merchants

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory settings store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]*Settings // by merchant ID
}

// NewMemoryStore creates a new in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]*Settings)}
}

func (m *MemoryStore) GetSettings(_ context.Context, merchantID string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[merchantID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) PutSettings(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(s)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.settings[s.MerchantID] = cp
	return nil
}
