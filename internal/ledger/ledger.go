// Package ledger tracks custodial balances on the platform.
//
// Every participant has one account keyed by address. Two system
// accounts sit alongside: "escrow" holds funds locked for open trades,
// "fees" accumulates platform fees. All internal fund movement is an
// atomic Transfer between two accounts; deposits and withdrawals are
// the only external legs. Every movement lands in an append-only
// journal.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrDuplicateDeposit  = errors.New("ledger: deposit already credited")
	ErrSameAccount       = errors.New("ledger: transfer within one account")
)

// System accounts.
const (
	AccountEscrow = "escrow"
	AccountFees   = "fees"
)

// Journal entry kinds.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdrawal"
	KindTransfer = "transfer"
)

// Balance is the current state of one account.
type Balance struct {
	Account   string          `json:"account"`
	Available decimal.Decimal `json:"available"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entry is one journal row. From is empty for deposits, To is empty
// for withdrawals; transfers carry both.
type Entry struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists accounts and the journal.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	// Credit adds external funds to an account, creating it if needed.
	Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) error
	// Debit removes funds for an external withdrawal.
	Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) error
	// Transfer atomically moves funds between two accounts, creating
	// the destination if needed.
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reference string) error
	// History returns journal entries touching the account, newest
	// first. beforeID = 0 starts from the newest entry.
	History(ctx context.Context, account string, beforeID int64, limit int) ([]*Entry, error)
	// HasDeposit reports whether a deposit with this reference was
	// already credited.
	HasDeposit(ctx context.Context, reference string) (bool, error)
	// TotalAvailable sums available across all accounts, for custody
	// reconciliation.
	TotalAvailable(ctx context.Context) (decimal.Decimal, error)
}

// Ledger validates and normalizes operations in front of a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balance. Unknown accounts
// read as zero.
func (l *Ledger) GetBalance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, norm(account))
}

// Deposit credits external funds. Idempotent per reference: crediting
// the same deposit reference twice returns ErrDuplicateDeposit.
func (l *Ledger) Deposit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	exists, err := l.store.HasDeposit(ctx, reference)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}
	return l.store.Credit(ctx, norm(account), amount, reference)
}

// Withdraw debits funds for an external payout.
func (l *Ledger) Withdraw(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.Debit(ctx, norm(account), amount, reference)
}

// Transfer moves funds between two accounts atomically.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	from, to = norm(from), norm(to)
	if from == to {
		return ErrSameAccount
	}
	if err := l.store.Transfer(ctx, from, to, amount, reference); err != nil {
		observeTransfer("error")
		return err
	}
	observeTransfer("ok")
	return nil
}

// History returns journal entries touching the account, newest first.
func (l *Ledger) History(ctx context.Context, account string, beforeID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, norm(account), beforeID, limit)
}

// TotalAvailable sums all account balances for custody reconciliation.
func (l *Ledger) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	return l.store.TotalAvailable(ctx)
}

func norm(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
