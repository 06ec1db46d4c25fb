package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory record store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.TradeID]; ok {
		return ErrAlreadyLocked
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	m.records[r.TradeID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tradeID int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[tradeID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(r)
}

func (m *MemoryStore) SavePair(ctx context.Context, a, b *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range []*Record{a, b} {
		if _, ok := m.records[r.TradeID]; !ok {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		cp := *r
		m.records[r.TradeID] = &cp
	}
	return nil
}

func (m *MemoryStore) OpenBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, r := range m.records {
		if r.Active() {
			total = total.Add(r.Balance)
		}
	}
	return total, nil
}

func (m *MemoryStore) Totals(ctx context.Context, tradeIDs []int64) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{TotalIn: decimal.Zero, TotalOut: decimal.Zero, Balance: decimal.Zero}
	for _, id := range tradeIDs {
		r, ok := m.records[id]
		if !ok {
			continue
		}
		t.TotalIn = t.TotalIn.Add(r.TotalIn)
		t.TotalOut = t.TotalOut.Add(r.TotalOut)
		t.Balance = t.Balance.Add(r.Balance)
	}
	return t, nil
}

// put assumes the write lock is held.
func (m *MemoryStore) put(r *Record) error {
	existing, ok := m.records[r.TradeID]
	if !ok {
		return ErrRecordNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	m.records[r.TradeID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
