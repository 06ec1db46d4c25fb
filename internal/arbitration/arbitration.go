// Package arbitration manages dispute records and the timelock-gated
// resolution protocol.
//
// A dispute exists at most once per trade, ever, and moves
// pending -> {resolved, canceled}. Two resolution paths settle a
// pending dispute: an admin resolves immediately, or an admin commits
// an outcome behind a timelock and a second call executes it once the
// delay has elapsed. Nothing fires at the deadline by itself; the
// poll timer (or any caller) must re-invoke the execute step.
//
// Settlement calls back into the escrow component to move funds and
// into the trade component to set the terminal status. Both are
// resolved through the registry on every call.
package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/peertradehq/peertrade/internal/escrow"
)

var (
	ErrDisputeNotFound  = errors.New("arbitration: dispute not found")
	ErrAlreadyDisputed  = errors.New("arbitration: trade already has a dispute")
	ErrTradeNotDisputed = errors.New("arbitration: trade is not disputed")
	ErrNotPending       = errors.New("arbitration: dispute is not pending")
	ErrAlreadyInitiated = errors.New("arbitration: a timelocked resolution was already initiated")
	ErrNotInitiated     = errors.New("arbitration: no timelocked resolution was initiated")
	ErrTimelockActive   = errors.New("arbitration: timelock has not elapsed yet")
	ErrUnauthorized     = errors.New("arbitration: caller is not authorized")
	ErrNotParty         = errors.New("arbitration: caller is not a party to this trade")
	ErrInvalidEvidence  = errors.New("arbitration: evidence text is empty or too long")
	ErrInvalidConfig    = errors.New("arbitration: invalid configuration")
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	StatusPending  DisputeStatus = "pending"
	StatusResolved DisputeStatus = "resolved"
	StatusCanceled DisputeStatus = "canceled"
)

// Dispute is the arbitration record for a disputed trade.
type Dispute struct {
	ID      int64         `json:"id"`
	TradeID int64         `json:"tradeId"`
	Status  DisputeStatus `json:"status"`
	// FavorMaker is the committed outcome. Meaningless until a
	// resolution is initiated or the dispute is resolved.
	FavorMaker bool `json:"favorMaker"`
	// ResolveAt is the earliest time a timelocked resolution may
	// execute. Zero until a resolution is initiated.
	ResolveAt time.Time `json:"resolveAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Initiated reports whether a timelocked resolution was ever
// scheduled for this dispute.
func (d *Dispute) Initiated() bool {
	return !d.ResolveAt.IsZero()
}

// Terminal reports whether the dispute reached a final state.
func (d *Dispute) Terminal() bool {
	return d.Status != StatusPending
}

// Evidence is one append-only entry in a dispute's evidence list.
// Entries are immutable once written.
type Evidence struct {
	ID        int64     `json:"id"`
	DisputeID int64     `json:"disputeId"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists disputes and evidence.
type Store interface {
	// Create assigns the dispute id; a second dispute for the same
	// trade returns ErrAlreadyDisputed.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id int64) (*Dispute, error)
	GetByTrade(ctx context.Context, tradeID int64) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	AppendEvidence(ctx context.Context, e *Evidence) error
	// ListEvidence returns entries in append order.
	ListEvidence(ctx context.Context, disputeID int64) ([]*Evidence, error)
	// ListDue returns pending disputes whose timelock has elapsed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
}

// Outcome is the terminal trade status a resolution imposes.
type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeCancelled Outcome = "cancelled"
)

// TradeParties identifies the two sides of a trade for party checks
// and settlement routing.
type TradeParties struct {
	TradeID  int64
	Maker    string
	Taker    string
	Disputed bool
}

// TradeAuthority is the slice of the trade component arbitration
// drives. Implemented by the trade component and resolved through the
// registry on every call, never cached.
type TradeAuthority interface {
	DisputeInfo(ctx context.Context, tradeID int64) (*TradeParties, error)
	// ApplyResolution sets the trade's terminal status, still subject
	// to the trade transition table.
	ApplyResolution(ctx context.Context, caller string, tradeID int64, outcome Outcome) error
}

// EscrowSettler is the slice of the escrow component used for
// settlement. Implemented by the escrow component, resolved through
// the registry on every call.
type EscrowSettler interface {
	Release(ctx context.Context, caller string, tradeID int64, receiver string) (*escrow.Record, error)
	Refund(ctx context.Context, caller string, tradeID int64) (*escrow.Record, error)
}

// ReputationNotifier receives fire-and-forget dispute outcomes.
type ReputationNotifier interface {
	DisputeLost(ctx context.Context, address string) error
}

// Config bounds the resolution protocol.
type Config struct {
	// ResolutionDelay is the mandatory wait between initiating a
	// timelocked resolution and being allowed to execute it.
	ResolutionDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ResolutionDelay: 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ResolutionDelay <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
