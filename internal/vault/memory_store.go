package vault

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory credential store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Put(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.OrderID]; ok {
		return ErrAlreadySet
	}
	cp := *r
	m.records[r.OrderID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.OrderID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.records[r.OrderID] = &cp
	return nil
}
