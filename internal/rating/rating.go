// Package rating stores post-trade feedback.
//
// A rating is one party's 1-5 star verdict on the other party of a
// finished trade, append-only and unique per (trade, rater). The trade
// service verifies participation and trade state before recording;
// this package is the bookkeeping and the read API.
package rating

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidStars   = errors.New("rating: stars must be between 1 and 5")
	ErrCommentTooLong = errors.New("rating: comment exceeds 500 characters")
	ErrSelfRating     = errors.New("rating: cannot rate yourself")
	ErrAlreadyRated   = errors.New("rating: trade already rated by this address")
	ErrRatingNotFound = errors.New("rating: rating not found")
)

// MaxCommentLength caps free-form rating comments.
const MaxCommentLength = 500

// Rating is one party's feedback on a finished trade
type Rating struct {
	ID        int64     `json:"id"`
	TradeID   int64     `json:"tradeId"`
	Rater     string    `json:"rater"`
	Ratee     string    `json:"ratee"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary aggregates an address's received ratings
type Summary struct {
	Address string  `json:"address"`
	Count   int     `json:"count"`
	Average float64 `json:"average"` // 0 when unrated
}

// Store persists ratings
type Store interface {
	// Add assigns the next id and records the rating.
	// Returns ErrAlreadyRated for a duplicate (trade, rater) pair.
	Add(ctx context.Context, r *Rating) error
	// ListByRatee returns ratings received by an address, newest first.
	ListByRatee(ctx context.Context, address string, beforeID int64, limit int) ([]*Rating, error)
	// ListByTrade returns the ratings recorded for a trade.
	ListByTrade(ctx context.Context, tradeID int64) ([]*Rating, error)
	// Summarize returns the received-rating aggregate for an address.
	Summarize(ctx context.Context, address string) (*Summary, error)
}

// Service validates and records ratings
type Service struct {
	store Store
}

// NewService creates a rating service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Add records a rating. The caller has already verified that rater and
// ratee were the parties of tradeID and that the trade is finished.
func (s *Service) Add(ctx context.Context, tradeID int64, rater, ratee string, stars int, comment string) (*Rating, error) {
	rater = strings.ToLower(rater)
	ratee = strings.ToLower(ratee)

	if stars < 1 || stars > 5 {
		return nil, ErrInvalidStars
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}
	if rater == ratee {
		return nil, ErrSelfRating
	}

	r := &Rating{
		TradeID:   tradeID,
		Rater:     rater,
		Ratee:     ratee,
		Stars:     stars,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	if err := s.store.Add(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Received returns ratings received by an address, newest first.
func (s *Service) Received(ctx context.Context, address string, beforeID int64, limit int) ([]*Rating, error) {
	return s.store.ListByRatee(ctx, strings.ToLower(address), beforeID, limit)
}

// ForTrade returns the ratings recorded for a trade.
func (s *Service) ForTrade(ctx context.Context, tradeID int64) ([]*Rating, error) {
	return s.store.ListByTrade(ctx, tradeID)
}

// Summarize returns the rating aggregate for an address.
func (s *Service) Summarize(ctx context.Context, address string) (*Summary, error) {
	return s.store.Summarize(ctx, strings.ToLower(address))
}
