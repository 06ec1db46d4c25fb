package reputation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory counter store for development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewMemoryStore creates a new in-memory reputation store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]*Stats)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, address string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.stats[address]; ok {
		cp := *s
		return &cp, nil
	}
	return &Stats{Address: address}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, address string, d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[address]
	if !ok {
		s = &Stats{Address: address, FirstSeen: time.Now()}
		m.stats[address] = s
	}

	s.TradesInitiated += d.TradesInitiated
	s.TradesAccepted += d.TradesAccepted
	s.TradesCompleted += d.TradesCompleted
	s.DisputesInitiated += d.DisputesInitiated
	s.DisputesLost += d.DisputesLost
	s.Volume = s.Volume.Add(d.Volume)
	s.LastActive = time.Now()
	return nil
}
