package testutil

import (
	"context"
	"sync"

	"3tcapital/ms_nfse_emissor/internal/core/order"
)

// MockOrderStore is an order.Store backed by a map. GetOrderFunc, when set,
// replaces the map lookup.
type MockOrderStore struct {
	GetOrderFunc func(ctx context.Context, id int64) (*order.Snapshot, error)
	AddNoteFunc  func(ctx context.Context, id int64, note string) error

	mu     sync.Mutex
	orders map[int64]*order.Snapshot
	notes  map[int64][]string
}

// NewMockOrderStore returns a store holding the given snapshots.
func NewMockOrderStore(orders ...*order.Snapshot) *MockOrderStore {
	m := &MockOrderStore{
		orders: make(map[int64]*order.Snapshot),
		notes:  make(map[int64][]string),
	}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

// Put adds or replaces a snapshot.
func (m *MockOrderStore) Put(o *order.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// GetOrder returns a copy of the stored snapshot or order.ErrNotFound.
func (m *MockOrderStore) GetOrder(ctx context.Context, id int64) (*order.Snapshot, error) {
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	out := *o
	return &out, nil
}

// AddNote records the note unless AddNoteFunc overrides it.
func (m *MockOrderStore) AddNote(ctx context.Context, id int64, note string) error {
	if m.AddNoteFunc != nil {
		return m.AddNoteFunc(ctx, id, note)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[id] = append(m.notes[id], note)
	return nil
}

// Notes returns the notes added to an order.
func (m *MockOrderStore) Notes(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notes[id]...)
}

var _ order.Store = (*MockOrderStore)(nil)
