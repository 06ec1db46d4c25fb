package events

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter, beforeID int64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	party := strings.ToLower(f.Party)

	var result []*Event
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.events[i]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.TradeID != 0 && e.TradeID != f.TradeID {
			continue
		}
		if party != "" && !e.Touches(party) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}
