package capture

import (
	"context"
	"fmt"
	"sync"
)

// MockStore is an in-memory BatchStore for tests and offline tooling.
type MockStore struct {
	mu        sync.RWMutex
	connected bool
	batches   map[string]*Batch
}

func NewMockStore() *MockStore {
	return &MockStore{batches: make(map[string]*Batch)}
}

func (m *MockStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockStore) Push(ctx context.Context, name string, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("store not connected")
	}
	m.batches[name] = b
	return nil
}

func (m *MockStore) Pull(ctx context.Context, name string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, fmt.Errorf("store not connected")
	}
	b, ok := m.batches[name]
	if !ok {
		return nil, fmt.Errorf("batch %q not found", name)
	}
	return b, nil
}

// Names lists stored batches in no particular order.
func (m *MockStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.batches))
	for n := range m.batches {
		names = append(names, n)
	}
	return names
}

// Reset drops all stored batches.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = make(map[string]*Batch)
}
