package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/registry"
	"github.com/peertradehq/peertrade/internal/syncutil"
	"github.com/peertradehq/peertrade/internal/traces"
)

// Service implements the custody operations. Every balance-mutating
// entry point holds the record's keyed mutex for the duration of the
// call; operations touching two records take both locks in shard order.
type Service struct {
	store   Store
	ledger  LedgerService
	reg     *registry.Registry
	cfg     Config
	admins  map[string]bool
	locks   *syncutil.KeyedMutex
	emitter *events.Emitter
	logger  *slog.Logger
}

// NewService creates the escrow service. adminAddrs may invoke the
// partial-withdrawal operations; the trade component is authorized
// through the registry instead.
func NewService(store Store, ledger LedgerService, reg *registry.Registry, cfg Config, adminAddrs []string, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	admins := make(map[string]bool, len(adminAddrs))
	for _, a := range adminAddrs {
		admins[strings.ToLower(a)] = true
	}
	return &Service{
		store:  store,
		ledger: ledger,
		reg:    reg,
		cfg:    cfg,
		admins: admins,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
	}, nil
}

// WithEmitter attaches the audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// authorizeTrade admits only the registry-resolved trade component.
func (s *Service) authorizeTrade(caller string) error {
	h, err := s.reg.Resolve(registry.CapTrade)
	if err != nil || !strings.EqualFold(caller, h.Addr) {
		return ErrUnauthorized
	}
	return nil
}

// authorizeSettlement admits the trade component or, for the
// arbitration callback that settles a dispute, the arbitration
// component.
func (s *Service) authorizeSettlement(caller string) error {
	if s.authorizeTrade(caller) == nil {
		return nil
	}
	h, err := s.reg.Resolve(registry.CapArbitration)
	if err != nil || !strings.EqualFold(caller, h.Addr) {
		return ErrUnauthorized
	}
	return nil
}

// authorizeAdmin admits only configured admin addresses.
func (s *Service) authorizeAdmin(caller string) error {
	if !s.admins[strings.ToLower(caller)] {
		return ErrUnauthorized
	}
	return nil
}

// trades resolves the trade component's escrow view. Resolved per call
// so a registry rebind takes effect immediately.
func (s *Service) trades() (TradeReader, error) {
	h, err := s.reg.Resolve(registry.CapTrade)
	if err != nil {
		return nil, fmt.Errorf("escrow: resolve trade capability: %w", err)
	}
	reader, ok := h.Impl.(TradeReader)
	if !ok {
		return nil, fmt.Errorf("escrow: trade capability does not expose escrow info")
	}
	return reader, nil
}

// Lock moves the maker's funds into custody and creates the record.
// Trade component only; fails if the trade already has a record.
func (s *Service) Lock(ctx context.Context, caller string, tradeID int64, maker string, amount decimal.Decimal) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.TradeID(tradeID), traces.Amount(amount.String()))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := s.authorizeTrade(caller); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.store.Get(ctx, tradeID); err == nil {
		return nil, ErrAlreadyLocked
	} else if err != ErrRecordNotFound {
		return nil, err
	}

	maker = strings.ToLower(maker)
	ref := fmt.Sprintf("escrow:lock:%d", tradeID)
	if err := s.ledger.Transfer(ctx, maker, s.cfg.EscrowAccount, amount, ref); err != nil {
		return nil, fmt.Errorf("escrow: lock funds: %w", err)
	}

	rec := &Record{
		TradeID: tradeID,
		Balance: amount,
		Locked:  true,
		TotalIn: amount,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// Funds already moved; send them back rather than strand them.
		if cerr := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, maker, amount, ref); cerr != nil {
			s.logger.Error("escrow lock compensation failed, funds stranded in omnibus",
				"trade_id", tradeID, "amount", amount, "error", cerr)
		}
		return nil, fmt.Errorf("escrow: create record: %w", err)
	}

	observeOp("lock")
	s.emitter.EmitTrade(ctx, events.EventEscrowLocked, tradeID, caller, map[string]interface{}{
		"from":   maker,
		"amount": amount.String(),
	})
	return rec, nil
}

// Release pays the full remaining balance to receiver and settles the
// record. Trade or arbitration component.
func (s *Service) Release(ctx context.Context, caller string, tradeID int64, receiver string) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := s.authorizeSettlement(caller); err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	if !rec.Locked {
		return nil, ErrNotLocked
	}

	receiver = strings.ToLower(receiver)
	amount := rec.Balance
	if amount.IsPositive() {
		ref := fmt.Sprintf("escrow:release:%d", tradeID)
		if err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, receiver, amount, ref); err != nil {
			return nil, fmt.Errorf("escrow: release funds: %w", err)
		}
	}

	rec.Balance = decimal.Zero
	rec.Released = true
	rec.TotalOut = rec.TotalOut.Add(amount)
	if err := s.persistAfterPayout(ctx, rec, "release", receiver); err != nil {
		return nil, err
	}

	observeOp("release")
	s.emitter.EmitTrade(ctx, events.EventEscrowReleased, tradeID, caller, map[string]interface{}{
		"to":     receiver,
		"amount": amount.String(),
	})
	return rec, nil
}

// Refund settles the record backwards. With a sequence predecessor the
// balance moves back into the predecessor's record, re-locking it; a
// head record pays the sequence head's offer owner directly. Trade or
// arbitration component.
func (s *Service) Refund(ctx context.Context, caller string, tradeID int64) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := s.authorizeSettlement(caller); err != nil {
		return nil, err
	}

	reader, err := s.trades()
	if err != nil {
		return nil, err
	}
	info, err := reader.EscrowInfo(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: resolve trade %d: %w", tradeID, err)
	}

	var release func()
	if info.PrevID != 0 {
		release, err = s.locks.LockPair(ctx, lockKey(tradeID), lockKey(info.PrevID))
	} else {
		release, err = s.locks.Lock(ctx, lockKey(tradeID))
	}
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	if !rec.Locked {
		return nil, ErrNotLocked
	}

	amount := rec.Balance

	if info.PrevID != 0 {
		// One hop back up the chain: the predecessor takes the balance
		// and is live again.
		pred, err := s.store.Get(ctx, info.PrevID)
		if err != nil {
			return nil, err
		}
		if pred.Terminal() {
			return nil, ErrPredecessorTerminal
		}

		pred.Balance = pred.Balance.Add(amount)
		pred.Locked = true
		rec.Balance = decimal.Zero
		rec.Refunded = true
		if err := s.store.SavePair(ctx, rec, pred); err != nil {
			return nil, fmt.Errorf("escrow: unwind to predecessor: %w", err)
		}

		observeOp("refund")
		s.emitter.EmitTrade(ctx, events.EventEscrowRefunded, tradeID, caller, map[string]interface{}{
			"predecessorTradeId": info.PrevID,
			"amount":             amount.String(),
		})
		return rec, nil
	}

	// Head of the chain: pay the offer owner back out of custody.
	owner := strings.ToLower(info.HeadMaker)
	ref := fmt.Sprintf("escrow:refund:%d", tradeID)
	if amount.IsPositive() {
		if err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, owner, amount, ref); err != nil {
			return nil, fmt.Errorf("escrow: refund funds: %w", err)
		}
	}

	rec.Balance = decimal.Zero
	rec.Refunded = true
	rec.TotalOut = rec.TotalOut.Add(amount)
	if err := s.store.Update(ctx, rec); err != nil {
		if amount.IsPositive() {
			if cerr := s.ledger.Transfer(ctx, owner, s.cfg.EscrowAccount, amount, ref); cerr != nil {
				s.logger.Error("escrow refund compensation failed",
					"trade_id", tradeID, "amount", amount, "error", cerr)
			}
		}
		return nil, fmt.Errorf("escrow: update record after refund: %w", err)
	}

	observeOp("refund")
	s.emitter.EmitTrade(ctx, events.EventEscrowRefunded, tradeID, caller, map[string]interface{}{
		"to":     owner,
		"amount": amount.String(),
	})
	return rec, nil
}

// Transfer moves the full balance from an active source record into a
// fresh destination record, locking the destination and unlocking the
// source. Used when a non-head trade in a chain is accepted. No funds
// leave the omnibus account. Trade component only.
func (s *Service) Transfer(ctx context.Context, caller string, srcTradeID, dstTradeID int64) (_ *Record, retErr error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transfer",
		traces.TradeID(srcTradeID), attribute.Int64("trade.dst_id", dstTradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if err := s.authorizeTrade(caller); err != nil {
		return nil, err
	}
	if srcTradeID == dstTradeID {
		return nil, ErrSameTrade
	}

	release, err := s.locks.LockPair(ctx, lockKey(srcTradeID), lockKey(dstTradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	src, err := s.store.Get(ctx, srcTradeID)
	if err != nil {
		return nil, err
	}
	if src.Terminal() {
		return nil, ErrTerminal
	}
	if !src.Locked {
		return nil, ErrNotLocked
	}

	if _, err := s.store.Get(ctx, dstTradeID); err == nil {
		return nil, ErrAlreadyLocked
	} else if err != ErrRecordNotFound {
		return nil, err
	}

	amount := src.Balance
	src.Balance = decimal.Zero
	src.Locked = false
	dst := &Record{
		TradeID: dstTradeID,
		Balance: amount,
		Locked:  true,
	}
	if err := s.store.SavePair(ctx, src, dst); err != nil {
		return nil, fmt.Errorf("escrow: transfer between records: %w", err)
	}

	observeOp("transfer")
	s.emitter.EmitTrade(ctx, events.EventEscrowTransferred, dstTradeID, caller, map[string]interface{}{
		"fromTradeId": srcTradeID,
		"toTradeId":   dstTradeID,
		"amount":      amount.String(),
	})
	return dst, nil
}

// Split withdraws part of the remaining balance to a receiver without
// settling the record. Admin only.
func (s *Service) Split(ctx context.Context, caller string, tradeID int64, amount decimal.Decimal, receiver string) (*Record, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.activeRecord(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(rec.Balance) {
		return nil, ErrInsufficientBalance
	}

	receiver = strings.ToLower(receiver)
	ref := fmt.Sprintf("escrow:split:%d", tradeID)
	if err := s.skim(ctx, rec, amount, receiver, ref); err != nil {
		return nil, err
	}

	observeOp("split")
	s.emitter.EmitTrade(ctx, events.EventEscrowSplit, tradeID, caller, map[string]interface{}{
		"to":     receiver,
		"amount": amount.String(),
	})
	return rec, nil
}

// Penalize withdraws the configured basis-point slice of the remaining
// balance into the fees account. Admin only.
func (s *Service) Penalize(ctx context.Context, caller string, tradeID int64) (*Record, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.activeRecord(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	amount := rec.Balance.
		Mul(decimal.NewFromInt(s.cfg.PenaltyBps)).
		Div(decimal.NewFromInt(10000)).
		RoundDown(8)
	if !amount.IsPositive() {
		return rec, nil
	}

	ref := fmt.Sprintf("escrow:penalty:%d", tradeID)
	if err := s.skim(ctx, rec, amount, s.cfg.FeesAccount, ref); err != nil {
		return nil, err
	}

	observeOp("penalize")
	s.emitter.EmitTrade(ctx, events.EventEscrowPenalized, tradeID, caller, map[string]interface{}{
		"amount": amount.String(),
	})
	return rec, nil
}

// PayPlatformFee withdraws the trade's recorded fee into the fees
// account. Admin only.
func (s *Service) PayPlatformFee(ctx context.Context, caller string, tradeID int64) (*Record, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}

	reader, err := s.trades()
	if err != nil {
		return nil, err
	}
	info, err := reader.EscrowInfo(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: resolve trade %d: %w", tradeID, err)
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.activeRecord(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	fee := info.Fee
	if !fee.IsPositive() {
		return rec, nil
	}
	if fee.GreaterThan(rec.Balance) {
		return nil, ErrInsufficientBalance
	}

	ref := fmt.Sprintf("escrow:fee:%d", tradeID)
	if err := s.skim(ctx, rec, fee, s.cfg.FeesAccount, ref); err != nil {
		return nil, err
	}

	observeOp("fee")
	s.emitter.EmitTrade(ctx, events.EventEscrowFeePaid, tradeID, caller, map[string]interface{}{
		"amount": fee.String(),
	})
	return rec, nil
}

// Get returns the record for a trade.
func (s *Service) Get(ctx context.Context, tradeID int64) (*Record, error) {
	return s.store.Get(ctx, tradeID)
}

// OpenBalance sums the balances of live records, for reconciliation.
func (s *Service) OpenBalance(ctx context.Context) (decimal.Decimal, error) {
	return s.store.OpenBalance(ctx)
}

// SequenceTotals aggregates custody movement over a trade sequence.
func (s *Service) SequenceTotals(ctx context.Context, tradeIDs []int64) (*Totals, error) {
	return s.store.Totals(ctx, tradeIDs)
}

// activeRecord loads a record and rejects settled or unlocked ones.
// Callers hold the record's mutex.
func (s *Service) activeRecord(ctx context.Context, tradeID int64) (*Record, error) {
	rec, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	if !rec.Locked {
		return nil, ErrNotLocked
	}
	return rec, nil
}

// skim pays amount out of the record's balance without touching the
// lifecycle flags, compensating the ledger if the record write fails.
func (s *Service) skim(ctx context.Context, rec *Record, amount decimal.Decimal, receiver, ref string) error {
	if err := s.ledger.Transfer(ctx, s.cfg.EscrowAccount, receiver, amount, ref); err != nil {
		return fmt.Errorf("escrow: pay out: %w", err)
	}

	rec.Balance = rec.Balance.Sub(amount)
	rec.TotalOut = rec.TotalOut.Add(amount)
	if err := s.store.Update(ctx, rec); err != nil {
		if cerr := s.ledger.Transfer(ctx, receiver, s.cfg.EscrowAccount, amount, ref); cerr != nil {
			s.logger.Error("escrow skim compensation failed",
				"trade_id", rec.TradeID, "amount", amount, "error", cerr)
		}
		return fmt.Errorf("escrow: update record: %w", err)
	}
	return nil
}

// persistAfterPayout updates a record whose funds have already left
// custody. The transfer has no inverse here, so a failed write retries
// once and then surfaces for manual resolution.
func (s *Service) persistAfterPayout(ctx context.Context, rec *Record, op, receiver string) error {
	if err := s.store.Update(ctx, rec); err != nil {
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			s.logger.Error("escrow record stale after payout, manual resolution required",
				"op", op, "trade_id", rec.TradeID, "receiver", receiver, "error", retryErr)
			return fmt.Errorf("escrow: update record after %s: %w", op, err)
		}
	}
	return nil
}
