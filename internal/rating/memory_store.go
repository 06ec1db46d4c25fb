package rating

import (
	"context"
	"sync"
)

type ratingKey struct {
	tradeID int64
	rater   string
}

// MemoryStore is an in-memory rating store for development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings []*Rating
	nextID  int64
	seen    map[ratingKey]bool
}

// NewMemoryStore creates a new in-memory rating store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[ratingKey]bool)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Add(ctx context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ratingKey{r.TradeID, r.Rater}
	if m.seen[key] {
		return ErrAlreadyRated
	}

	m.nextID++
	r.ID = m.nextID
	m.seen[key] = true
	m.ratings = append(m.ratings, r)
	return nil
}

func (m *MemoryStore) ListByRatee(ctx context.Context, address string, beforeID int64, limit int) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rating
	for i := len(m.ratings) - 1; i >= 0 && len(result) < limit; i-- {
		r := m.ratings[i]
		if r.Ratee != address {
			continue
		}
		if beforeID > 0 && r.ID >= beforeID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID int64) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rating
	for _, r := range m.ratings {
		if r.TradeID == tradeID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Summarize(ctx context.Context, address string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := &Summary{Address: address}
	total := 0
	for _, r := range m.ratings {
		if r.Ratee == address {
			sum.Count++
			total += r.Stars
		}
	}
	if sum.Count > 0 {
		sum.Average = float64(total) / float64(sum.Count)
	}
	return sum, nil
}
