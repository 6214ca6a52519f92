package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cryptonexus/payengine/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders   map[string]*Order
	disputes map[string][]*DisputeCase
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		disputes: make(map[string][]*DisputeCase),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != o.Version {
		return ErrVersionConflict
	}
	cp := *o
	cp.Version++
	m.orders[o.ID] = &cp
	o.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.BuyerRef == buyerRef }, cursor, limit), nil
}

func (m *MemoryStore) ListByVendor(ctx context.Context, vendorRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool { return o.VendorRef == vendorRef }, cursor, limit), nil
}

func (m *MemoryStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return m.list(func(o *Order) bool {
		return o.Status == StatusDelivered && o.DeliveredAt != nil && o.DeliveredAt.Before(cutoff)
	}, nil, limit), nil
}

func (m *MemoryStore) list(match func(*Order) bool, cursor *pagination.Cursor, limit int) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !match(o) {
			continue
		}
		if cursor != nil && !afterCursor(o, cursor) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	// Newest first with id as tie-break, like the postgres store.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// afterCursor reports whether o comes after the cursor position in the
// newest-first ordering.
func afterCursor(o *Order, c *pagination.Cursor) bool {
	if !o.CreatedAt.Equal(c.CreatedAt) {
		return o.CreatedAt.Before(c.CreatedAt)
	}
	return o.ID < c.ID
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *DisputeCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes[d.OrderID] = append(m.disputes[d.OrderID], &cp)
	return nil
}

func (m *MemoryStore) ActiveDispute(ctx context.Context, orderID string) (*DisputeCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes[orderID] {
		if !d.Resolved() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNoActiveDispute
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *DisputeCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, stored := range m.disputes[d.OrderID] {
		if stored.ID == d.ID {
			cp := *d
			m.disputes[d.OrderID][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}
