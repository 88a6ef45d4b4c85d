package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps records in-process, in insertion order.
type MemoryStore[T any] struct {
	mu     sync.RWMutex
	items  map[string][]byte
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{items: make(map[string][]byte)}
}

// Get returns a copy of the record stored under id.
func (m *MemoryStore[T]) Get(_ context.Context, id string) (T, bool, error) {
	var out T
	m.mu.RLock()
	raw, ok := m.items[id]
	m.mu.RUnlock()
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// Put stores or replaces a record and tracks insertion order.
func (m *MemoryStore[T]) Put(_ context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[id]; !exists {
		m.orders = append(m.orders, id)
	}
	m.items[id] = raw
	return nil
}

// Delete removes id; deleting a missing record is not an error.
func (m *MemoryStore[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return nil
	}
	delete(m.items, id)
	for i, existing := range m.orders {
		if existing == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}

// List returns records in insertion order.
func (m *MemoryStore[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]T, 0, len(m.orders))
	for _, id := range m.orders {
		var v T
		if err := json.Unmarshal(m.items[id], &v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}
