package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	holds map[string]*Hold // keyed by order id
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds: make(map[string]*Hold),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.OrderID]; ok {
		return ErrAlreadyHeld
	}
	cp := *h
	m.holds[h.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.holds[h.OrderID]; !ok {
		return ErrNotFound
	}
	cp := *h
	m.holds[h.OrderID] = &cp
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.Status == StatusHeld && h.AutoReleaseAt.Before(before) {
			cp := *h
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
