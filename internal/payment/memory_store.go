package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory destination store for demo/development mode.
type MemoryStore struct {
	destinations map[string]*Destination
	byOrder      map[string]string
	byAddress    map[string]string
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory destination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		destinations: make(map[string]*Destination),
		byOrder:      make(map[string]string),
		byAddress:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byAddress[d.Address]; ok {
		if existing := m.destinations[existingID]; existing != nil && !existing.Status.IsTerminal() {
			return ErrAddressTaken
		}
	}
	m.destinations[d.ID] = copyDestination(d)
	m.byOrder[d.OrderID] = d.ID
	m.byAddress[d.Address] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.destinations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDestination(d), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDestination(m.destinations[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.destinations[d.ID]; !ok {
		return ErrNotFound
	}
	m.destinations[d.ID] = copyDestination(d)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Destination
	for _, d := range m.destinations {
		if (d.Status == StatusPending || d.Status == StatusPartial) && d.ExpiresAt.Before(before) {
			result = append(result, copyDestination(d))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyDestination deep-copies the tx ledger so callers cannot race on the
// stored map.
func copyDestination(d *Destination) *Destination {
	cp := *d
	cp.Transactions = make(map[string]*Tx, len(d.Transactions))
	for id, tx := range d.Transactions {
		txCopy := *tx
		cp.Transactions[id] = &txCopy
	}
	return &cp
}
