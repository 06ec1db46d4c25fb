// Package offers maintains the offer directory trades are initiated
// against.
//
// An offer is a maker's standing quote: sell this crypto asset for that
// fiat currency at a price, within per-trade amount bounds. Offers never
// hold funds; escrow only moves when a trade against the offer is
// accepted. Deactivation is soft so historic trades keep resolving their
// offer owner.
package offers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/validation"
)

var (
	ErrOfferNotFound  = errors.New("offers: offer not found")
	ErrNotOwner       = errors.New("offers: caller does not own this offer")
	ErrOfferInactive  = errors.New("offers: offer is not active")
	ErrInvalidBounds  = errors.New("offers: min amount exceeds max amount")
	ErrInvalidOffer   = errors.New("offers: invalid offer fields")
	ErrTermsTooLong   = errors.New("offers: terms text too long")
	ErrInvalidAddress = errors.New("offers: invalid owner address")
)

// Offer is a maker's standing quote in the directory
type Offer struct {
	ID             int64           `json:"id"`
	Owner          string          `json:"owner"`
	FiatCurrency   string          `json:"fiatCurrency"`
	CryptoCurrency string          `json:"cryptoCurrency"`
	Price          decimal.Decimal `json:"price"`     // fiat per crypto unit
	MinAmount      decimal.Decimal `json:"minAmount"` // crypto, per trade
	MaxAmount      decimal.Decimal `json:"maxAmount"` // crypto, per trade
	Terms          string          `json:"terms,omitempty"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Query filters for listing offers
type Query struct {
	Owner          string
	FiatCurrency   string
	CryptoCurrency string
	Active         *bool
	Limit          int // default 100
	Offset         int
}

// Store defines the persistence interface for the directory
type Store interface {
	// Create assigns the next id and records the offer.
	Create(ctx context.Context, o *Offer) error
	// Get returns an offer by id, or ErrOfferNotFound.
	Get(ctx context.Context, id int64) (*Offer, error)
	// List returns offers matching the query, newest first.
	List(ctx context.Context, q Query) ([]*Offer, error)
	// Update replaces a stored offer, or ErrOfferNotFound.
	Update(ctx context.Context, o *Offer) error
}

// Service validates and records directory operations
type Service struct {
	store Store
}

// NewService creates an offers service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create validates and stores a new offer for owner.
func (s *Service) Create(ctx context.Context, owner string, o *Offer) (*Offer, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if !validation.IsValidAddress(owner) {
		return nil, ErrInvalidAddress
	}
	if !validation.IsValidCurrency(o.FiatCurrency) || !validation.IsValidCryptoCode(o.CryptoCurrency) {
		return nil, ErrInvalidOffer
	}
	if !o.Price.IsPositive() || !o.MinAmount.IsPositive() || !o.MaxAmount.IsPositive() {
		return nil, ErrInvalidOffer
	}
	if o.MinAmount.GreaterThan(o.MaxAmount) {
		return nil, ErrInvalidBounds
	}
	o.Terms = strings.TrimSpace(o.Terms)
	if len(o.Terms) > validation.MaxTextLength {
		return nil, ErrTermsTooLong
	}

	o.Owner = owner
	o.Active = true
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an offer by id.
func (s *Service) Get(ctx context.Context, id int64) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// Owner resolves the owner address for an offer. Trade acceptance
// authorizes against this.
func (s *Service) Owner(ctx context.Context, id int64) (string, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Owner, nil
}

// Require returns the offer only when it exists and is active.
// Trade initiation resolves every offer id through this.
func (s *Service) Require(ctx context.Context, id int64) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Active {
		return nil, ErrOfferInactive
	}
	return o, nil
}

// List returns offers matching the query, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]*Offer, error) {
	if q.Owner != "" {
		q.Owner = strings.ToLower(q.Owner)
	}
	return s.store.List(ctx, q)
}

// Deactivate soft-removes an offer from the directory. Owner only.
// Existing trades against the offer are unaffected.
func (s *Service) Deactivate(ctx context.Context, caller string, id int64) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, o.Owner) {
		return nil, ErrNotOwner
	}
	if !o.Active {
		return o, nil
	}

	o.Active = false
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}
