// Package escrow is the sole custodian of locked trade value.
//
// One record per trade, strict one-way lifecycle:
//
//	unlocked → locked → {released | refunded}
//
// Split, penalty and fee collection are partial-amount siblings of
// release, usable only while a record is locked and not yet settled.
// The funds themselves sit in the platform ledger's escrow omnibus
// account; records track which trade is owed what. Trade-driven
// operations authorize the caller against the registry-resolved trade
// component on every call, so rebinding the trade implementation takes
// effect immediately.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRecordNotFound      = errors.New("escrow: record not found")
	ErrAlreadyLocked       = errors.New("escrow: record already exists for this trade")
	ErrNotLocked           = errors.New("escrow: record is not locked")
	ErrTerminal            = errors.New("escrow: record already released or refunded")
	ErrUnauthorized        = errors.New("escrow: caller is not authorized")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInsufficientBalance = errors.New("escrow: amount exceeds remaining balance")
	ErrPredecessorTerminal = errors.New("escrow: predecessor record already settled")
	ErrSameTrade           = errors.New("escrow: source and destination trade are the same")
	ErrInvalidConfig       = errors.New("escrow: invalid configuration")
)

// Record is the custodial balance entry tied 1:1 to a trade.
//
// TotalIn counts value entering custody from outside (Lock); TotalOut
// counts value leaving custody (release, direct refund, split, penalty,
// fee). Chain-internal moves (Transfer, refund to a predecessor) touch
// neither, so for any closed set of records
// sum(TotalIn) = sum(TotalOut) + sum(Balance) holds at all times.
type Record struct {
	TradeID   int64           `json:"tradeId"`
	Balance   decimal.Decimal `json:"balance"`
	Locked    bool            `json:"locked"`
	Released  bool            `json:"released"`
	Refunded  bool            `json:"refunded"`
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Terminal reports whether the record reached a final settled state.
func (r *Record) Terminal() bool {
	return r.Released || r.Refunded
}

// Active reports whether balance-changing operations are still allowed.
func (r *Record) Active() bool {
	return r.Locked && !r.Terminal()
}

// Totals aggregates custody movement over a set of records.
type Totals struct {
	TotalIn  decimal.Decimal `json:"totalIn"`
	TotalOut decimal.Decimal `json:"totalOut"`
	Balance  decimal.Decimal `json:"balance"`
}

// Conserved reports whether no value was created, destroyed or
// stranded across the set.
func (t *Totals) Conserved() bool {
	return t.TotalIn.Equal(t.TotalOut.Add(t.Balance))
}

// Store persists escrow records.
type Store interface {
	// Create records a new entry; the trade must not have one yet.
	Create(ctx context.Context, r *Record) error
	// Get returns the record for a trade, or ErrRecordNotFound.
	Get(ctx context.Context, tradeID int64) (*Record, error)
	// Update replaces a stored record.
	Update(ctx context.Context, r *Record) error
	// SavePair writes two records atomically, inserting either one
	// that does not exist yet. Used when balance moves between records
	// in a chain: both sides change or neither does.
	SavePair(ctx context.Context, a, b *Record) error
	// OpenBalance sums the remaining balance across locked,
	// non-terminal records. Reconciliation compares this against the
	// omnibus account.
	OpenBalance(ctx context.Context) (decimal.Decimal, error)
	// Totals aggregates custody movement over the given trades.
	Totals(ctx context.Context, tradeIDs []int64) (*Totals, error)
}

// LedgerService is the value-transfer primitive escrow consumes. The
// platform ledger implements it; escrow stays ignorant of journal
// details.
type LedgerService interface {
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reference string) error
}

// TradeInfo is the slice of trade state escrow needs for refund
// routing and fee collection.
type TradeInfo struct {
	TradeID   int64
	Maker     string
	Taker     string
	Fee       decimal.Decimal
	PrevID    int64  // sequence predecessor, 0 = none
	HeadMaker string // offer owner of the sequence head
}

// TradeReader is implemented by the trade component and resolved
// through the registry on every call, never cached.
type TradeReader interface {
	EscrowInfo(ctx context.Context, tradeID int64) (*TradeInfo, error)
}

// Config bounds the parameterized operations.
type Config struct {
	// EscrowAccount is the ledger omnibus account holding locked value.
	EscrowAccount string
	// FeesAccount receives penalties and platform fees.
	FeesAccount string
	// PenaltyBps is the slice of the remaining balance taken by
	// Penalize, in basis points of 10000.
	PenaltyBps int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EscrowAccount: "escrow",
		FeesAccount:   "fees",
		PenaltyBps:    500, // 5%
	}
}

// Validate rejects out-of-bounds parameters at configuration time.
func (c Config) Validate() error {
	if c.EscrowAccount == "" || c.FeesAccount == "" {
		return fmt.Errorf("%w: account names required", ErrInvalidConfig)
	}
	if c.PenaltyBps < 0 || c.PenaltyBps > 10000 {
		return fmt.Errorf("%w: penalty must be between 0 and 10000 bps", ErrInvalidConfig)
	}
	return nil
}

func lockKey(tradeID int64) string {
	return fmt.Sprintf("escrow:%d", tradeID)
}
