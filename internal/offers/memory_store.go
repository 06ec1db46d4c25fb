package offers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory offer directory.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[int64]*Offer
	nextID int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[int64]*Offer)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	o.ID = m.nextID
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt

	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, exists := m.offers[id]
	if !exists {
		return nil, ErrOfferNotFound
	}

	cp := *o
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 100
	}

	var results []*Offer
	for _, o := range m.offers {
		if q.Owner != "" && o.Owner != q.Owner {
			continue
		}
		if q.FiatCurrency != "" && o.FiatCurrency != q.FiatCurrency {
			continue
		}
		if q.CryptoCurrency != "" && o.CryptoCurrency != q.CryptoCurrency {
			continue
		}
		if q.Active != nil && o.Active != *q.Active {
			continue
		}
		cp := *o
		results = append(results, &cp)
	}

	// Newest first
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID > results[j].ID
	})

	if q.Offset >= len(results) {
		return []*Offer{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[q.Offset:end], nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.offers[o.ID]; !exists {
		return ErrOfferNotFound
	}

	o.UpdatedAt = time.Now()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}
