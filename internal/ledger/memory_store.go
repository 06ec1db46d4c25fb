package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Balance
	entries  []*Entry
	deposits map[string]bool // reference -> credited
	nextID   int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Balance),
		deposits: make(map[string]bool),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.accounts[account]; ok {
		cp := *bal
		return &cp, nil
	}
	return zeroBalance(account), nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.ensure(account)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now()

	m.deposits[reference] = true
	m.append(&Entry{Kind: KindDeposit, To: account, Amount: amount, Reference: reference})
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.accounts[account]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}

	bal.Available = bal.Available.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now()

	m.append(&Entry{Kind: KindWithdraw, From: account, Amount: amount, Reference: reference})
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.accounts[from]
	if !ok {
		return ErrAccountNotFound
	}
	if src.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}

	dst := m.ensure(to)

	now := time.Now()
	src.Available = src.Available.Sub(amount)
	src.TotalOut = src.TotalOut.Add(amount)
	src.UpdatedAt = now
	dst.Available = dst.Available.Add(amount)
	dst.TotalIn = dst.TotalIn.Add(amount)
	dst.UpdatedAt = now

	m.append(&Entry{Kind: KindTransfer, From: from, To: to, Amount: amount, Reference: reference})
	return nil
}

func (m *MemoryStore) History(ctx context.Context, account string, beforeID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		if e.From == account || e.To == account {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[reference], nil
}

func (m *MemoryStore) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, bal := range m.accounts {
		total = total.Add(bal.Available)
	}
	return total, nil
}

// ensure returns the live balance for account, creating it at zero.
// Callers must hold m.mu.
func (m *MemoryStore) ensure(account string) *Balance {
	if bal, ok := m.accounts[account]; ok {
		return bal
	}
	bal := zeroBalance(account)
	m.accounts[account] = bal
	return bal
}

// append assigns the next id and records the entry. Callers must hold m.mu.
func (m *MemoryStore) append(e *Entry) {
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
}

func zeroBalance(account string) *Balance {
	return &Balance{
		Account:   account,
		Available: decimal.Zero,
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
		UpdatedAt: time.Now(),
	}
}
