package reputation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Service is the recording and read surface for reputation. The trade
// and arbitration services call the recorders as notifications; a
// recording failure is the caller's to log, never to fail on.
type Service struct {
	store  Store
	calc   *Calculator
	logger *slog.Logger
}

// NewService creates a reputation service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		calc:   NewCalculator(),
		logger: logger,
	}
}

// TradeInitiated records that an address opened a trade as taker.
func (s *Service) TradeInitiated(ctx context.Context, address string) error {
	return s.store.Apply(ctx, strings.ToLower(address), Delta{TradesInitiated: 1})
}

// TradeAccepted records that an address accepted a trade as maker.
func (s *Service) TradeAccepted(ctx context.Context, address string) error {
	return s.store.Apply(ctx, strings.ToLower(address), Delta{TradesAccepted: 1})
}

// TradeCompleted records a finalized trade for both parties.
func (s *Service) TradeCompleted(ctx context.Context, maker, taker string, volume decimal.Decimal) error {
	d := Delta{TradesCompleted: 1, Volume: volume}
	if err := s.store.Apply(ctx, strings.ToLower(maker), d); err != nil {
		return err
	}
	return s.store.Apply(ctx, strings.ToLower(taker), d)
}

// DisputeInitiated records that an address raised a dispute.
func (s *Service) DisputeInitiated(ctx context.Context, address string) error {
	return s.store.Apply(ctx, strings.ToLower(address), Delta{DisputesInitiated: 1})
}

// DisputeLost records an arbitration ruling against an address.
func (s *Service) DisputeLost(ctx context.Context, address string) error {
	return s.store.Apply(ctx, strings.ToLower(address), Delta{DisputesLost: 1})
}

// Stats returns the raw counters for an address.
func (s *Service) Stats(ctx context.Context, address string) (*Stats, error) {
	return s.store.Get(ctx, strings.ToLower(address))
}

// Score returns the derived reputation for an address.
func (s *Service) Score(ctx context.Context, address string) (*Score, error) {
	address = strings.ToLower(address)
	stats, err := s.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.calc.Calculate(address, *stats), nil
}
