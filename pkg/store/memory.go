package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// MemoryAdapter keeps contracts in process memory.
type MemoryAdapter struct {
	mu     sync.RWMutex
	data   map[string]*contracts.LearningContract
	closed bool
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{data: make(map[string]*contracts.LearningContract)}
}

func (m *MemoryAdapter) Initialize(context.Context) error { return nil }

func (m *MemoryAdapter) Save(_ context.Context, c *contracts.LearningContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[c.ContractID] = c.Clone()
	return nil
}

func (m *MemoryAdapter) Get(_ context.Context, id string) (*contracts.LearningContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryAdapter) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.data[id]
	delete(m.data, id)
	return ok, nil
}

func (m *MemoryAdapter) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.data[id]
	return ok, nil
}

// GetAll returns copies ordered by creation time, then id.
func (m *MemoryAdapter) GetAll(context.Context) ([]*contracts.LearningContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*contracts.LearningContract, 0, len(m.data))
	for _, c := range m.data {
		out = append(out, c.Clone())
	}
	sortContracts(out)
	return out, nil
}

func (m *MemoryAdapter) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.data), nil
}

func (m *MemoryAdapter) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string]*contracts.LearningContract)
	return nil
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortContracts(cs []*contracts.LearningContract) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ContractID < cs[j].ContractID
	})
}
