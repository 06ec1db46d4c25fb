package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/peertradehq/peertrade/internal/arbitration"
	"github.com/peertradehq/peertrade/internal/escrow"
	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/rating"
	"github.com/peertradehq/peertrade/internal/registry"
	"github.com/peertradehq/peertrade/internal/syncutil"
	"github.com/peertradehq/peertrade/internal/traces"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Service orchestrates the trade lifecycle. Mutating operations hold
// the trade's keyed mutex for the duration of the call; the read
// callbacks other components resolve (EscrowInfo, DisputeInfo) stay
// lock-free because their callers already hold locks of their own.
type Service struct {
	store   Store
	offers  OfferDirectory
	reg     *registry.Registry
	addr    string
	admins  map[string]bool
	cfg     Config
	now     func() time.Time
	locks   *syncutil.KeyedMutex
	rep     ReputationNotifier
	ratings RatingRecorder
	emitter *events.Emitter
	logger  *slog.Logger
}

// The trade component answers escrow's routing lookups and
// arbitration's party lookups and outcome callbacks.
var (
	_ escrow.TradeReader         = (*Service)(nil)
	_ arbitration.TradeAuthority = (*Service)(nil)
)

// NewService creates the trade service. addr is this component's
// capability address, passed as the caller on escrow and arbitration
// calls.
func NewService(store Store, offers OfferDirectory, reg *registry.Registry, addr string, cfg Config, adminAddrs []string, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	admins := make(map[string]bool, len(adminAddrs))
	for _, a := range adminAddrs {
		admins[strings.ToLower(a)] = true
	}
	return &Service{
		store:  store,
		offers: offers,
		reg:    reg,
		addr:   strings.ToLower(addr),
		admins: admins,
		cfg:    cfg,
		now:    time.Now,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
	}, nil
}

// WithEmitter attaches the audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// WithReputation attaches the fire-and-forget reputation notifier.
func (s *Service) WithReputation(rep ReputationNotifier) *Service {
	s.rep = rep
	return s
}

// WithRatings attaches the rating ledger.
func (s *Service) WithRatings(r RatingRecorder) *Service {
	s.ratings = r
	return s
}

// WithClock overrides the time source. Tests use this to cross
// timeout windows without waiting.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) isAdmin(caller string) bool {
	return s.admins[strings.ToLower(caller)]
}

func (s *Service) authorizeArbitration(caller string) error {
	h, err := s.reg.Resolve(registry.CapArbitration)
	if err != nil || !strings.EqualFold(caller, h.Addr) {
		return ErrUnauthorized
	}
	return nil
}

// escrowLedger resolves the escrow component per call.
func (s *Service) escrowLedger() (EscrowLedger, error) {
	h, err := s.reg.Resolve(registry.CapEscrow)
	if err != nil {
		return nil, fmt.Errorf("trade: resolve escrow capability: %w", err)
	}
	es, ok := h.Impl.(EscrowLedger)
	if !ok {
		return nil, fmt.Errorf("trade: escrow capability does not expose custody operations")
	}
	return es, nil
}

// arbiter resolves the arbitration component per call.
func (s *Service) arbiter() (DisputeOpener, error) {
	h, err := s.reg.Resolve(registry.CapArbitration)
	if err != nil {
		return nil, fmt.Errorf("trade: resolve arbitration capability: %w", err)
	}
	arb, ok := h.Impl.(DisputeOpener)
	if !ok {
		return nil, fmt.Errorf("trade: arbitration capability does not expose dispute handling")
	}
	return arb, nil
}

// noteReputation logs a failed fire-and-forget counter update. The
// triggering operation already succeeded and stands.
func (s *Service) noteReputation(op string, err error) {
	if err != nil {
		s.logger.Warn("reputation update failed", "op", op, "error", err)
	}
}

// Initiate creates one trade per offer id as a single sequence keyed
// by the first trade. The caller is the taker of the final hop; each
// intermediate hop's taker is the owner of the next offer, so the
// value can pass hand to hand. No funds move.
func (s *Service) Initiate(ctx context.Context, caller string, p InitiateParams) (_ []*Trade, retErr error) {
	caller = strings.ToLower(strings.TrimSpace(caller))

	ctx, span := traces.StartSpan(ctx, "trade.Initiate",
		traces.UserAddr(caller), traces.Amount(p.CryptoAmount.String()))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if !validation.IsValidAddress(caller) {
		return nil, ErrInvalidAddress
	}
	if len(p.OfferIDs) == 0 {
		return nil, ErrNoOffers
	}
	if !p.FiatAmount.IsPositive() || !p.CryptoAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if p.Timeout == 0 {
		p.Timeout = s.cfg.DefaultTimeout
	}
	if p.Timeout < s.cfg.MinTimeout || p.Timeout > s.cfg.MaxTimeout {
		return nil, ErrInvalidTimeout
	}
	reason := strings.TrimSpace(p.CancelReason)
	if len(reason) > validation.MaxTextLength {
		return nil, ErrReasonTooLong
	}

	fee := p.CryptoAmount.
		Mul(decimal.NewFromInt(s.cfg.FeeBps)).
		Div(decimal.NewFromInt(10000)).
		RoundDown(8)

	trades := make([]*Trade, 0, len(p.OfferIDs))
	for i, offerID := range p.OfferIDs {
		o, err := s.offers.Require(ctx, offerID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(o.FiatCurrency, p.FiatCurrency) || !strings.EqualFold(o.CryptoCurrency, p.CryptoCurrency) {
			return nil, fmt.Errorf("%w: offer %d", ErrOfferMismatch, offerID)
		}
		if p.CryptoAmount.LessThan(o.MinAmount) || p.CryptoAmount.GreaterThan(o.MaxAmount) {
			return nil, fmt.Errorf("%w: offer %d", ErrAmountBounds, offerID)
		}

		taker := caller
		if i+1 < len(p.OfferIDs) {
			next, err := s.offers.Owner(ctx, p.OfferIDs[i+1])
			if err != nil {
				return nil, err
			}
			taker = next
		}
		if strings.EqualFold(o.Owner, taker) {
			return nil, fmt.Errorf("%w: offer %d", ErrSelfTrade, offerID)
		}

		trades = append(trades, &Trade{
			OfferID:        offerID,
			Maker:          o.Owner,
			Taker:          strings.ToLower(taker),
			FiatAmount:     p.FiatAmount,
			CryptoAmount:   p.CryptoAmount,
			FiatCurrency:   strings.ToUpper(p.FiatCurrency),
			CryptoCurrency: strings.ToUpper(p.CryptoCurrency),
			Fee:            fee,
			TimeoutSeconds: int64(p.Timeout / time.Second),
			CancelReason:   reason,
			Status:         StatusInitiated,
		})
	}

	if err := s.store.CreateChain(ctx, trades); err != nil {
		return nil, err
	}

	for _, t := range trades {
		observeTransition(StatusInitiated)
		if s.rep != nil {
			s.noteReputation("trade_initiated", s.rep.TradeInitiated(ctx, t.Taker))
		}
		s.emitter.EmitTrade(ctx, events.EventTradeCreated, t.ID, caller, map[string]interface{}{
			"offerId":      t.OfferID,
			"maker":        t.Maker,
			"taker":        t.Taker,
			"cryptoAmount": t.CryptoAmount.String(),
			"fiatAmount":   t.FiatAmount.String(),
			"sequenceId":   t.SequenceID,
		})
	}
	return trades, nil
}

// Accept moves an Initiated trade into custody. Offer owner only. The
// head of a sequence locks the maker's crypto; a later hop pulls the
// balance forward from its predecessor's escrow.
func (s *Service) Accept(ctx context.Context, caller string, tradeID int64) (_ *Trade, retErr error) {
	ctx, span := traces.StartSpan(ctx, "trade.Accept", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, t.Maker) {
		return nil, ErrUnauthorized
	}
	if !CanTransition(t.Status, StatusAccepted) {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	seq, err := s.store.SequenceFor(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	prevID, _ := Neighbors(seq, tradeID)

	es, err := s.escrowLedger()
	if err != nil {
		return nil, err
	}
	if prevID == 0 {
		if _, err := es.Lock(ctx, s.addr, tradeID, t.Maker, t.CryptoAmount); err != nil {
			return nil, fmt.Errorf("trade: lock escrow: %w", err)
		}
	} else {
		if _, err := es.Transfer(ctx, s.addr, prevID, tradeID); err != nil {
			return nil, fmt.Errorf("trade: transfer escrow: %w", err)
		}
	}

	t.Status = StatusAccepted
	if err := s.store.UpdateStatus(ctx, t, prev); err != nil {
		// Funds are in custody but the status write failed. Send the
		// value back where it came from and surface the write error.
		if _, refundErr := es.Refund(ctx, s.addr, tradeID); refundErr != nil {
			s.logger.Error("trade accept compensation failed, funds held in escrow pending manual resolution",
				"trade_id", tradeID, "error", refundErr)
		}
		return nil, err
	}

	observeTransition(StatusAccepted)
	if s.rep != nil {
		s.noteReputation("trade_accepted", s.rep.TradeAccepted(ctx, t.Maker))
	}
	s.emitter.EmitTrade(ctx, events.EventTradeAccepted, t.ID, strings.ToLower(caller), map[string]interface{}{
		"cryptoAmount": t.CryptoAmount.String(),
	})
	return t, nil
}

// MarkFiatPaid records the taker's fiat payment and releases custody.
// Taker only; the trade must be Accepted. At the tail of a sequence
// the release pays this trade's taker; at an intermediate hop it pays
// the next trade's taker.
func (s *Service) MarkFiatPaid(ctx context.Context, caller string, tradeID int64) (_ *Trade, retErr error) {
	ctx, span := traces.StartSpan(ctx, "trade.MarkFiatPaid", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, t.Taker) {
		return nil, ErrUnauthorized
	}
	if !CanTransition(t.Status, StatusFiatPaid) {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	receiver, err := s.releaseTarget(ctx, t)
	if err != nil {
		return nil, err
	}
	es, err := s.escrowLedger()
	if err != nil {
		return nil, err
	}
	if _, err := es.Release(ctx, s.addr, tradeID, receiver); err != nil {
		return nil, fmt.Errorf("trade: release escrow: %w", err)
	}

	t.Status = StatusFiatPaid
	if err := s.persistAfterPayout(ctx, t, prev); err != nil {
		return nil, err
	}

	observeTransition(StatusFiatPaid)
	s.emitter.EmitTrade(ctx, events.EventTradeFiatPaid, t.ID, strings.ToLower(caller), map[string]interface{}{
		"receiver":     receiver,
		"cryptoAmount": t.CryptoAmount.String(),
	})
	return t, nil
}

// Finalize closes a trade. The offer owner finalizes a FiatPaid
// trade; only an admin may finalize a Disputed one. The fiat-paid
// release normally already emptied custody, so funds move here only
// when the record is still active.
func (s *Service) Finalize(ctx context.Context, caller string, tradeID int64) (_ *Trade, retErr error) {
	ctx, span := traces.StartSpan(ctx, "trade.Finalize", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	admin := s.isAdmin(caller)
	if !strings.EqualFold(caller, t.Maker) && !admin {
		return nil, ErrUnauthorized
	}
	if t.Status == StatusDisputed && !admin {
		return nil, ErrUnauthorized
	}
	if !CanTransition(t.Status, StatusFinalized) {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	es, err := s.escrowLedger()
	if err != nil {
		return nil, err
	}
	if err := s.releaseIfActive(ctx, es, t); err != nil {
		return nil, err
	}

	t.Status = StatusFinalized
	t.FinalizedAt = s.now().UTC()
	if err := s.persistAfterPayout(ctx, t, prev); err != nil {
		return nil, err
	}

	observeTransition(StatusFinalized)
	if s.rep != nil {
		s.noteReputation("trade_completed", s.rep.TradeCompleted(ctx, t.Maker, t.Taker, t.CryptoAmount))
	}
	s.emitter.EmitTrade(ctx, events.EventTradeFinalized, t.ID, strings.ToLower(caller), nil)
	return t, nil
}

// Cancel abandons an Initiated or Accepted trade. Either party may
// call it; custody still held for this trade is refunded first.
func (s *Service) Cancel(ctx context.Context, caller string, tradeID int64) (*Trade, error) {
	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Party(caller) {
		return nil, ErrNotParty
	}
	if t.Status != StatusInitiated && t.Status != StatusAccepted {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	if prev == StatusAccepted {
		es, err := s.escrowLedger()
		if err != nil {
			return nil, err
		}
		if err := s.refundIfActive(ctx, es, tradeID); err != nil {
			return nil, err
		}
	}

	t.Status = StatusCancelled
	if err := s.persistAfterPayout(ctx, t, prev); err != nil {
		return nil, err
	}

	observeTransition(StatusCancelled)
	s.emitter.EmitTrade(ctx, events.EventTradeCancelled, t.ID, strings.ToLower(caller), map[string]interface{}{
		"reason": t.CancelReason,
	})
	return t, nil
}

// Dispute escalates an Accepted or FiatPaid trade to arbitration.
// Either party may call it.
func (s *Service) Dispute(ctx context.Context, caller string, tradeID int64) (_ *Trade, retErr error) {
	ctx, span := traces.StartSpan(ctx, "trade.Dispute", traces.TradeID(tradeID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Party(caller) {
		return nil, ErrNotParty
	}
	if !CanTransition(t.Status, StatusDisputed) {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	arb, err := s.arbiter()
	if err != nil {
		return nil, err
	}

	// The arbitration side verifies the trade is already disputed, so
	// the status write comes first; a failed dispute creation reverts
	// it.
	t.Status = StatusDisputed
	if err := s.store.UpdateStatus(ctx, t, prev); err != nil {
		return nil, err
	}
	if _, err := arb.HandleDispute(ctx, s.addr, tradeID); err != nil {
		t.Status = prev
		if revertErr := s.store.UpdateStatus(ctx, t, StatusDisputed); revertErr != nil {
			s.logger.Error("trade stuck disputed without a dispute record, manual resolution required",
				"trade_id", tradeID, "error", revertErr)
		}
		return nil, fmt.Errorf("trade: open dispute: %w", err)
	}

	observeTransition(StatusDisputed)
	if s.rep != nil {
		s.noteReputation("dispute_initiated", s.rep.DisputeInitiated(ctx, strings.ToLower(caller)))
	}
	s.emitter.EmitTrade(ctx, events.EventTradeDisputed, t.ID, strings.ToLower(caller), nil)
	return t, nil
}

// Timeout expires a trade whose window has elapsed. Anyone may call
// it; the timer drives it in production. Custody still held is
// refunded. A FiatPaid trade passes the window check but fails on the
// transition table, which has no FiatPaid edge to TimedOut.
func (s *Service) Timeout(ctx context.Context, caller string, tradeID int64) (*Trade, error) {
	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusInitiated, StatusAccepted, StatusFiatPaid:
	default:
		return nil, ErrInvalidTransition
	}
	if s.now().Before(t.Deadline()) {
		return nil, ErrNotExpired
	}
	if !CanTransition(t.Status, StatusTimedOut) {
		return nil, ErrInvalidTransition
	}
	prev := t.Status

	if prev == StatusAccepted {
		es, err := s.escrowLedger()
		if err != nil {
			return nil, err
		}
		if err := s.refundIfActive(ctx, es, tradeID); err != nil {
			return nil, err
		}
	}

	t.Status = StatusTimedOut
	if err := s.persistAfterPayout(ctx, t, prev); err != nil {
		return nil, err
	}

	observeTransition(StatusTimedOut)
	s.emitter.EmitTrade(ctx, events.EventTradeTimedOut, t.ID, strings.ToLower(caller), nil)
	return t, nil
}

// TimeoutDue expires every overdue trade. Called by the timer;
// returns how many timed out.
func (s *Service) TimeoutDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpired(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}

	timedOut := 0
	for _, t := range due {
		if _, err := s.Timeout(ctx, s.addr, t.ID); err != nil {
			s.logger.Warn("trade timeout failed", "trade_id", t.ID, "error", err)
			continue
		}
		timedOut++
	}
	return timedOut, nil
}

// Rate records post-trade feedback on the other party. Party only,
// Finalized only; the rating ledger enforces once-per-rater.
func (s *Service) Rate(ctx context.Context, caller string, tradeID int64, stars int, comment string) (*rating.Rating, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Party(caller) {
		return nil, ErrNotParty
	}
	if t.Status != StatusFinalized {
		return nil, ErrNotFinalized
	}
	if s.ratings == nil {
		return nil, ErrNotSupported
	}

	ratee := t.Maker
	if strings.EqualFold(caller, t.Maker) {
		ratee = t.Taker
	}
	return s.ratings.Add(ctx, tradeID, strings.ToLower(caller), ratee, stars, comment)
}

// Refund is reserved for a post-cancellation refund flow whose
// trigger was never settled upstream. It validates the caller and
// then refuses.
func (s *Service) Refund(ctx context.Context, caller string, tradeID int64) error {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if !t.Party(caller) {
		return ErrNotParty
	}
	return ErrNotSupported
}

// ApplyResolution is the arbitration callback that imposes a dispute
// outcome. Arbitration component only; party checks are bypassed but
// the transition table still applies.
func (s *Service) ApplyResolution(ctx context.Context, caller string, tradeID int64, outcome arbitration.Outcome) error {
	if err := s.authorizeArbitration(caller); err != nil {
		return err
	}

	var to Status
	switch outcome {
	case arbitration.OutcomeFinalized:
		to = StatusFinalized
	case arbitration.OutcomeCancelled:
		to = StatusCancelled
	default:
		return fmt.Errorf("%w: outcome %q", ErrInvalidTransition, outcome)
	}

	release, err := s.locks.Lock(ctx, lockKey(tradeID))
	if err != nil {
		return err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, to) {
		return ErrInvalidTransition
	}
	prev := t.Status

	t.Status = to
	if to == StatusFinalized {
		t.FinalizedAt = s.now().UTC()
	}
	if err := s.store.UpdateStatus(ctx, t, prev); err != nil {
		return err
	}

	observeTransition(to)
	if to == StatusFinalized && s.rep != nil {
		s.noteReputation("trade_completed", s.rep.TradeCompleted(ctx, t.Maker, t.Taker, t.CryptoAmount))
	}
	typ := events.EventTradeFinalized
	if to == StatusCancelled {
		typ = events.EventTradeCancelled
	}
	s.emitter.EmitTrade(ctx, typ, t.ID, caller, map[string]interface{}{
		"viaArbitration": true,
	})
	return nil
}

// DisputeInfo answers the arbitration component's party lookup.
func (s *Service) DisputeInfo(ctx context.Context, tradeID int64) (*arbitration.TradeParties, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return &arbitration.TradeParties{
		TradeID:  t.ID,
		Maker:    t.Maker,
		Taker:    t.Taker,
		Disputed: t.Status == StatusDisputed,
	}, nil
}

// EscrowInfo answers the escrow component's routing lookup: the fee
// to collect, the sequence predecessor for chain unwinds and the head
// maker for direct refunds.
func (s *Service) EscrowInfo(ctx context.Context, tradeID int64) (*escrow.TradeInfo, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	seq, err := s.store.SequenceFor(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	prevID, _ := Neighbors(seq, tradeID)

	headMaker := t.Maker
	if len(seq) > 0 && seq[0] != tradeID {
		head, err := s.store.Get(ctx, seq[0])
		if err != nil {
			return nil, err
		}
		headMaker = head.Maker
	}

	return &escrow.TradeInfo{
		TradeID:   t.ID,
		Maker:     t.Maker,
		Taker:     t.Taker,
		Fee:       t.Fee,
		PrevID:    prevID,
		HeadMaker: headMaker,
	}, nil
}

// Get returns a trade by id.
func (s *Service) Get(ctx context.Context, tradeID int64) (*Trade, error) {
	return s.store.Get(ctx, tradeID)
}

// ListByParty returns an address's trades, newest first.
func (s *Service) ListByParty(ctx context.Context, address string, beforeID int64, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(address), beforeID, limit)
}

// StatusCounts returns the running per-status totals.
func (s *Service) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	return s.store.StatusCounts(ctx)
}

// Sequence describes a trade's chain. A standalone trade is its own
// length-1 chain.
func (s *Service) Sequence(ctx context.Context, tradeID int64) (*SequenceView, error) {
	if _, err := s.store.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	seq, err := s.store.SequenceFor(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if len(seq) == 0 {
		seq = []int64{tradeID}
	}
	prev, next := Neighbors(seq, tradeID)
	return &SequenceView{
		TradeID:  tradeID,
		HeadID:   seq[0],
		TradeIDs: seq,
		PrevID:   prev,
		NextID:   next,
	}, nil
}

// releaseTarget picks who a release pays: the trade's own taker at
// the tail of its sequence, the next trade's taker at an intermediate
// hop. The intermediate case hands the value straight past the next
// trade's custody cycle; kept as observed behavior.
func (s *Service) releaseTarget(ctx context.Context, t *Trade) (string, error) {
	seq, err := s.store.SequenceFor(ctx, t.ID)
	if err != nil {
		return "", err
	}
	_, nextID := Neighbors(seq, t.ID)
	if nextID == 0 {
		return t.Taker, nil
	}
	next, err := s.store.Get(ctx, nextID)
	if err != nil {
		return "", err
	}
	return next.Taker, nil
}

// releaseIfActive pays out the remaining custody when the record
// still holds any. Terminal, drained and never-created records all
// pass silently.
func (s *Service) releaseIfActive(ctx context.Context, es EscrowLedger, t *Trade) error {
	rec, err := es.Get(ctx, t.ID)
	if errors.Is(err, escrow.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Active() {
		return nil
	}

	receiver, err := s.releaseTarget(ctx, t)
	if err != nil {
		return err
	}
	if _, err := es.Release(ctx, s.addr, t.ID, receiver); err != nil {
		return fmt.Errorf("trade: release escrow: %w", err)
	}
	return nil
}

// refundIfActive unwinds custody still held for the trade. A drained
// source record in a chain has nothing to refund and passes silently.
func (s *Service) refundIfActive(ctx context.Context, es EscrowLedger, tradeID int64) error {
	rec, err := es.Get(ctx, tradeID)
	if errors.Is(err, escrow.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Active() {
		return nil
	}
	if _, err := es.Refund(ctx, s.addr, tradeID); err != nil {
		return fmt.Errorf("trade: refund escrow: %w", err)
	}
	return nil
}

// persistAfterPayout writes a status that follows an irreversible
// escrow move. Retry once, then log for manual resolution.
func (s *Service) persistAfterPayout(ctx context.Context, t *Trade, prev Status) error {
	if err := s.store.UpdateStatus(ctx, t, prev); err != nil {
		if retryErr := s.store.UpdateStatus(ctx, t, prev); retryErr != nil {
			s.logger.Error("trade status stale after escrow move, manual resolution required",
				"trade_id", t.ID, "status", t.Status, "error", retryErr)
			return err
		}
	}
	return nil
}

func lockKey(tradeID int64) string {
	return fmt.Sprintf("trade:%d", tradeID)
}
