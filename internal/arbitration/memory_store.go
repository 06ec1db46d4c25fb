package arbitration

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[int64]*Dispute
	byTrade  map[int64]int64
	evidence map[int64][]*Evidence
	nextID   int64
	nextEvID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[int64]*Dispute),
		byTrade:  make(map[int64]int64),
		evidence: make(map[int64][]*Evidence),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTrade[d.TradeID]; ok {
		return ErrAlreadyDisputed
	}

	m.nextID++
	d.ID = m.nextID
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	cp := *d
	m.disputes[d.ID] = &cp
	m.byTrade[d.TradeID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[e.DisputeID]; !ok {
		return ErrDisputeNotFound
	}

	m.nextEvID++
	e.ID = m.nextEvID
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID int64) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.evidence[disputeID]
	out := make([]*Evidence, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusPending || !d.Initiated() || d.ResolveAt.After(now) {
			continue
		}
		cp := *d
		due = append(due, &cp)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

var _ Store = (*MemoryStore)(nil)
