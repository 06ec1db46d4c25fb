// Package trade owns the canonical trade status and the rules for
// moving it.
//
// A trade is one maker-taker hand-off against an offer: the maker's
// crypto enters escrow custody when the trade is accepted and leaves
// it on release or refund. Status only ever moves along the edges of a
// fixed transition table; CanTransition is the single choke point
// every fund-affecting operation passes through, so an off-table
// attempt fails before any side effect. Multi-hop sequences chain
// trades to pass one locked value hand to hand; a sequence is an
// ordered id list keyed by its head trade.
//
// The service reaches the escrow and arbitration components through
// registry-resolved handles, never through their storage.
package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/arbitration"
	"github.com/peertradehq/peertrade/internal/escrow"
	"github.com/peertradehq/peertrade/internal/offers"
	"github.com/peertradehq/peertrade/internal/rating"
)

var (
	// ErrTradeNotFound indicates the trade id was never created
	ErrTradeNotFound = errors.New("trade: trade not found")
	// ErrInvalidTransition indicates the status graph has no edge for
	// the attempted move
	ErrInvalidTransition = errors.New("trade: status transition not allowed")
	// ErrUnauthorized indicates the caller may not drive this operation
	ErrUnauthorized = errors.New("trade: caller is not authorized for this operation")
	// ErrNotParty indicates the caller is neither maker nor taker
	ErrNotParty = errors.New("trade: caller is not a party to this trade")
	// ErrNoOffers indicates initiation without any offer ids
	ErrNoOffers = errors.New("trade: at least one offer id is required")
	// ErrSelfTrade indicates a hop whose maker and taker are the same
	ErrSelfTrade = errors.New("trade: maker and taker cannot be the same address")
	// ErrOfferMismatch indicates the offer quotes a different pair
	ErrOfferMismatch = errors.New("trade: offer does not quote this currency pair")
	// ErrAmountBounds indicates the crypto amount violates the offer's
	// per-trade bounds
	ErrAmountBounds = errors.New("trade: crypto amount is outside the offer's bounds")
	// ErrInvalidAmount indicates a non-positive amount
	ErrInvalidAmount = errors.New("trade: amounts must be positive")
	// ErrInvalidTimeout indicates a timeout window outside the
	// configured bounds
	ErrInvalidTimeout = errors.New("trade: timeout window is out of bounds")
	// ErrInvalidAddress indicates a malformed party address
	ErrInvalidAddress = errors.New("trade: invalid party address")
	// ErrReasonTooLong indicates an oversized cancel reason
	ErrReasonTooLong = errors.New("trade: cancel reason exceeds the text limit")
	// ErrNotExpired indicates the timeout window has not elapsed yet
	ErrNotExpired = errors.New("trade: timeout window has not elapsed")
	// ErrNotFinalized indicates an operation that requires a finalized
	// trade
	ErrNotFinalized = errors.New("trade: trade is not finalized")
	// ErrStatusConflict indicates the trade changed under a concurrent
	// call; the operation applied nothing
	ErrStatusConflict = errors.New("trade: trade was modified concurrently")
	// ErrNotSupported marks the reserved refund entry point
	ErrNotSupported = errors.New("trade: operation not supported")
	// ErrInvalidConfig indicates invalid service configuration
	ErrInvalidConfig = errors.New("trade: invalid configuration")
)

// Status is a trade lifecycle state.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusAccepted  Status = "accepted"
	StatusFiatPaid  Status = "fiat_paid"
	StatusFinalized Status = "finalized"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
	StatusTimedOut  Status = "timed_out"
	// StatusRefunded is declared for the reserved refund flow; no
	// transition reaches it.
	StatusRefunded Status = "refunded"
)

// transitions is the full status graph. A status with no entry is
// terminal.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusAccepted, StatusCancelled, StatusTimedOut},
	StatusAccepted:  {StatusFiatPaid, StatusDisputed, StatusTimedOut, StatusCancelled},
	StatusFiatPaid:  {StatusFinalized, StatusDisputed},
	StatusDisputed:  {StatusFinalized, StatusCancelled},
}

// CanTransition reports whether the status graph has an edge from one
// status to another. Every status write passes through this check
// before any side effect.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Trade is one hand-off against an offer. Records are append-only;
// after creation only the status and the finalized timestamp change.
type Trade struct {
	ID             int64           `json:"id"`
	OfferID        int64           `json:"offerId"`
	Maker          string          `json:"maker"` // offer owner, funds the escrow
	Taker          string          `json:"taker"` // pays fiat, receives the release
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	CryptoAmount   decimal.Decimal `json:"cryptoAmount"`
	FiatCurrency   string          `json:"fiatCurrency"`
	CryptoCurrency string          `json:"cryptoCurrency"`
	Fee            decimal.Decimal `json:"fee"` // platform fee fixed at initiation
	TimeoutSeconds int64           `json:"timeoutSeconds"`
	CancelReason   string          `json:"cancelReason,omitempty"` // declared at initiation
	Status         Status          `json:"status"`
	SequenceID     int64           `json:"sequenceId,omitempty"` // head trade id, 0 = standalone
	FinalizedAt    time.Time       `json:"finalizedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Deadline is the instant the timeout operation becomes available.
func (t *Trade) Deadline() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

// Party reports whether address is the maker or the taker.
func (t *Trade) Party(address string) bool {
	return strings.EqualFold(address, t.Maker) || strings.EqualFold(address, t.Taker)
}

// Neighbors scans an ordered sequence for tradeID and returns the
// adjacent ids, 0 at either end or when the id is absent. O(n) over a
// chain that is short by construction.
func Neighbors(seq []int64, tradeID int64) (prev, next int64) {
	for i, id := range seq {
		if id != tradeID {
			continue
		}
		if i > 0 {
			prev = seq[i-1]
		}
		if i < len(seq)-1 {
			next = seq[i+1]
		}
		return prev, next
	}
	return 0, 0
}

// SequenceView describes a trade's position in its chain. A trade
// without a sequence entry is its own length-1 chain.
type SequenceView struct {
	TradeID  int64   `json:"tradeId"`
	HeadID   int64   `json:"headId"`
	TradeIDs []int64 `json:"tradeIds"`
	PrevID   int64   `json:"prevId"`
	NextID   int64   `json:"nextId"`
}

// InitiateParams carries the shared terms of a new trade chain. Every
// hop gets the same amounts, pair, window and reason.
type InitiateParams struct {
	OfferIDs       []int64
	FiatAmount     decimal.Decimal
	CryptoAmount   decimal.Decimal
	FiatCurrency   string
	CryptoCurrency string
	Timeout        time.Duration
	CancelReason   string
}

// Store defines the persistence interface for trades and sequences.
type Store interface {
	// CreateChain assigns ids to the trades in order and records them
	// as one sequence keyed by the first id. A single trade gets no
	// sequence entry and SequenceID 0.
	CreateChain(ctx context.Context, trades []*Trade) error
	// Get returns a trade by id, or ErrTradeNotFound.
	Get(ctx context.Context, id int64) (*Trade, error)
	// UpdateStatus writes the trade's status and finalized timestamp
	// when the stored status still equals expect. Returns
	// ErrStatusConflict when another call moved the trade first.
	UpdateStatus(ctx context.Context, t *Trade, expect Status) error
	// ListByParty returns trades where address is maker or taker,
	// newest first, with id < beforeID when beforeID > 0.
	ListByParty(ctx context.Context, address string, beforeID int64, limit int) ([]*Trade, error)
	// SequenceFor returns the ordered trade ids of the sequence
	// containing tradeID, or nil for a standalone trade.
	SequenceFor(ctx context.Context, tradeID int64) ([]int64, error)
	// OpenSequences returns the trade id lists of every sequence with
	// at least one non-terminal member.
	OpenSequences(ctx context.Context) ([][]int64, error)
	// StatusCounts returns per-status totals, maintained incrementally
	// at each transition rather than by scanning trades.
	StatusCounts(ctx context.Context) (map[Status]int64, error)
	// ListExpired returns Initiated or Accepted trades whose timeout
	// window has elapsed at now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
}

// EscrowLedger is the custody surface the service drives, resolved
// through the registry per call.
type EscrowLedger interface {
	Lock(ctx context.Context, caller string, tradeID int64, maker string, amount decimal.Decimal) (*escrow.Record, error)
	Release(ctx context.Context, caller string, tradeID int64, receiver string) (*escrow.Record, error)
	Refund(ctx context.Context, caller string, tradeID int64) (*escrow.Record, error)
	Transfer(ctx context.Context, caller string, srcTradeID, dstTradeID int64) (*escrow.Record, error)
	Get(ctx context.Context, tradeID int64) (*escrow.Record, error)
}

// DisputeOpener is the arbitration surface the dispute operation
// drives, resolved through the registry per call.
type DisputeOpener interface {
	HandleDispute(ctx context.Context, caller string, tradeID int64) (*arbitration.Dispute, error)
}

// OfferDirectory resolves offers at initiation and ownership for
// authorization.
type OfferDirectory interface {
	Require(ctx context.Context, id int64) (*offers.Offer, error)
	Owner(ctx context.Context, id int64) (string, error)
}

// ReputationNotifier receives fire-and-forget trade statistics.
// Failures are logged and never abort the triggering operation.
type ReputationNotifier interface {
	TradeInitiated(ctx context.Context, address string) error
	TradeAccepted(ctx context.Context, address string) error
	TradeCompleted(ctx context.Context, maker, taker string, volume decimal.Decimal) error
	DisputeInitiated(ctx context.Context, address string) error
}

// RatingRecorder appends post-trade feedback to the rating ledger.
type RatingRecorder interface {
	Add(ctx context.Context, tradeID int64, rater, ratee string, stars int, comment string) (*rating.Rating, error)
}

// Config bounds trade creation parameters. The bounds are enforced
// once at configuration time, the per-trade values at initiation.
type Config struct {
	// FeeBps is the platform fee recorded on each trade, in basis
	// points of the crypto amount.
	FeeBps int64
	// MaxFeeBps caps FeeBps.
	MaxFeeBps int64
	// MinTimeout and MaxTimeout bound the per-trade timeout window.
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// DefaultTimeout is applied when an initiate request carries no
	// window of its own.
	DefaultTimeout time.Duration
}

// DefaultConfig returns a 0.25% fee capped at 10%, with windows
// between one minute and thirty days and a thirty-minute default.
func DefaultConfig() Config {
	return Config{
		FeeBps:         25,
		MaxFeeBps:      1000,
		MinTimeout:     time.Minute,
		MaxTimeout:     30 * 24 * time.Hour,
		DefaultTimeout: 30 * time.Minute,
	}
}

// Validate checks the configured bounds.
func (c Config) Validate() error {
	if c.FeeBps < 0 || c.MaxFeeBps <= 0 || c.MaxFeeBps > 10000 || c.FeeBps > c.MaxFeeBps {
		return ErrInvalidConfig
	}
	if c.MinTimeout <= 0 || c.MaxTimeout < c.MinTimeout {
		return ErrInvalidConfig
	}
	if c.DefaultTimeout != 0 && (c.DefaultTimeout < c.MinTimeout || c.DefaultTimeout > c.MaxTimeout) {
		return ErrInvalidConfig
	}
	return nil
}
