package trade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	trades    map[int64]*Trade
	sequences map[int64][]int64 // head trade id -> ordered member ids
	seqOf     map[int64]int64   // member trade id -> head trade id
	counts    map[Status]int64
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:    make(map[int64]*Trade),
		sequences: make(map[int64][]int64),
		seqOf:     make(map[int64]int64),
		counts:    make(map[Status]int64),
	}
}

func (m *MemoryStore) CreateChain(ctx context.Context, trades []*Trade) error {
	if len(trades) == 0 {
		return ErrNoOffers
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	ids := make([]int64, 0, len(trades))
	for _, t := range trades {
		m.nextID++
		t.ID = m.nextID
		t.CreatedAt = now
		t.UpdatedAt = now
		ids = append(ids, t.ID)
	}

	head := ids[0]
	for _, t := range trades {
		if len(trades) > 1 {
			t.SequenceID = head
		}
		cp := *t
		m.trades[t.ID] = &cp
		m.counts[t.Status]++
	}
	if len(ids) > 1 {
		m.sequences[head] = ids
		for _, id := range ids {
			m.seqOf[id] = head
		}
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tradeID int64) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, t *Trade, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if existing.Status != expect {
		return ErrStatusConflict
	}

	m.counts[existing.Status]--
	m.counts[t.Status]++

	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, address string, beforeID int64, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if !strings.EqualFold(t.Maker, address) && !strings.EqualFold(t.Taker, address) {
			continue
		}
		if beforeID > 0 && t.ID >= beforeID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SequenceFor(ctx context.Context, tradeID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head, ok := m.seqOf[tradeID]
	if !ok {
		return nil, nil
	}
	seq := m.sequences[head]
	out := make([]int64, len(seq))
	copy(out, seq)
	return out, nil
}

func (m *MemoryStore) OpenSequences(ctx context.Context) ([][]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	heads := make([]int64, 0, len(m.sequences))
	for head := range m.sequences {
		heads = append(heads, head)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })

	var out [][]int64
	for _, head := range heads {
		seq := m.sequences[head]
		open := false
		for _, id := range seq {
			if t, ok := m.trades[id]; ok && !t.Status.Terminal() {
				open = true
				break
			}
		}
		if !open {
			continue
		}
		cp := make([]int64, len(seq))
		copy(cp, seq)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Status]int64, len(m.counts))
	for st, n := range m.counts {
		if n != 0 {
			out[st] = n
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.Status != StatusInitiated && t.Status != StatusAccepted {
			continue
		}
		if now.Before(t.Deadline()) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
