package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/registry"
	"github.com/peertradehq/peertrade/internal/syncutil"
	"github.com/peertradehq/peertrade/internal/traces"
	"github.com/peertradehq/peertrade/internal/validation"
)

// Service implements the arbitration protocol. Dispute mutations hold
// the dispute's keyed mutex for the duration of the call.
type Service struct {
	store   Store
	reg     *registry.Registry
	addr    string
	admins  map[string]bool
	cfg     Config
	now     func() time.Time
	locks   *syncutil.KeyedMutex
	rep     ReputationNotifier
	emitter *events.Emitter
	logger  *slog.Logger
}

// NewService creates the arbitration service. addr is this component's
// capability address, passed as the caller on settlement callbacks.
func NewService(store Store, reg *registry.Registry, addr string, cfg Config, adminAddrs []string, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	admins := make(map[string]bool, len(adminAddrs))
	for _, a := range adminAddrs {
		admins[strings.ToLower(a)] = true
	}
	return &Service{
		store:  store,
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

// WithClock overrides the time source. Tests use this to cross the
// timelock without waiting.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) authorizeAdmin(caller string) error {
	if !s.admins[strings.ToLower(caller)] {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) authorizeTrade(caller string) error {
	h, err := s.reg.Resolve(registry.CapTrade)
	if err != nil || !strings.EqualFold(caller, h.Addr) {
		return ErrUnauthorized
	}
	return nil
}

// trades resolves the trade component per call.
func (s *Service) trades() (TradeAuthority, error) {
	h, err := s.reg.Resolve(registry.CapTrade)
	if err != nil {
		return nil, fmt.Errorf("arbitration: resolve trade capability: %w", err)
	}
	ta, ok := h.Impl.(TradeAuthority)
	if !ok {
		return nil, fmt.Errorf("arbitration: trade capability does not expose dispute info")
	}
	return ta, nil
}

// escrowLedger resolves the escrow component per call.
func (s *Service) escrowLedger() (EscrowSettler, error) {
	h, err := s.reg.Resolve(registry.CapEscrow)
	if err != nil {
		return nil, fmt.Errorf("arbitration: resolve escrow capability: %w", err)
	}
	es, ok := h.Impl.(EscrowSettler)
	if !ok {
		return nil, fmt.Errorf("arbitration: escrow capability does not expose settlement")
	}
	return es, nil
}

// HandleDispute creates the dispute record for a trade that already
// transitioned to disputed. Trade component only.
func (s *Service) HandleDispute(ctx context.Context, caller string, tradeID int64) (_ *Dispute, retErr error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.HandleDispute", traces.TradeID(tradeID))
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

	ta, err := s.trades()
	if err != nil {
		return nil, err
	}
	parties, err := ta.DisputeInfo(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("arbitration: resolve trade %d: %w", tradeID, err)
	}
	if !parties.Disputed {
		return nil, ErrTradeNotDisputed
	}

	d := &Dispute{
		TradeID: tradeID,
		Status:  StatusPending,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	observeOp("created")
	s.emitter.EmitDispute(ctx, events.EventDisputeCreated, tradeID, d.ID, caller, nil)
	return d, nil
}

// SubmitEvidence appends an evidence entry to a pending dispute.
// Either trade party may submit; entries are immutable once written.
func (s *Service) SubmitEvidence(ctx context.Context, caller string, tradeID int64, text string) (*Evidence, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > validation.MaxTextLength {
		return nil, ErrInvalidEvidence
	}

	ta, err := s.trades()
	if err != nil {
		return nil, err
	}
	parties, err := ta.DisputeInfo(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("arbitration: resolve trade %d: %w", tradeID, err)
	}
	if !strings.EqualFold(caller, parties.Maker) && !strings.EqualFold(caller, parties.Taker) {
		return nil, ErrNotParty
	}

	d, err := s.store.GetByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(d.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the lock; the dispute may have settled meanwhile.
	d, err = s.store.Get(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return nil, ErrNotPending
	}

	e := &Evidence{
		DisputeID: d.ID,
		Author:    strings.ToLower(caller),
		Text:      text,
	}
	if err := s.store.AppendEvidence(ctx, e); err != nil {
		return nil, err
	}

	observeOp("evidence")
	s.emitter.EmitDispute(ctx, events.EventDisputeEvidenceSubmitted, tradeID, d.ID, caller, map[string]interface{}{
		"author": e.Author,
	})
	return e, nil
}

// Resolve settles a pending dispute immediately. Admin only; rejected
// once a timelocked resolution was initiated for this dispute.
func (s *Service) Resolve(ctx context.Context, caller string, disputeID int64, favorMaker bool) (*Dispute, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(disputeID))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return nil, ErrNotPending
	}
	if d.Initiated() {
		return nil, ErrAlreadyInitiated
	}

	d.FavorMaker = favorMaker
	if err := s.settle(ctx, d); err != nil {
		return nil, err
	}

	observeOp("resolved")
	s.emitter.EmitDispute(ctx, events.EventDisputeResolved, d.TradeID, d.ID, caller, map[string]interface{}{
		"favorMaker": favorMaker,
	})
	return d, nil
}

// InitiateResolution commits an outcome behind the configured
// timelock. Admin only; a dispute's resolution is initiated at most
// once.
func (s *Service) InitiateResolution(ctx context.Context, caller string, disputeID int64, favorMaker bool) (*Dispute, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(disputeID))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return nil, ErrNotPending
	}
	if d.Initiated() {
		return nil, ErrAlreadyInitiated
	}

	d.FavorMaker = favorMaker
	d.ResolveAt = s.now().Add(s.cfg.ResolutionDelay).UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	observeOp("initiated")
	s.emitter.EmitDispute(ctx, events.EventDisputeResolutionInitiated, d.TradeID, d.ID, caller, map[string]interface{}{
		"favorMaker": favorMaker,
		"resolveAt":  d.ResolveAt,
	})
	return d, nil
}

// ResolveAfterTimelock executes a previously committed outcome once
// the timelock has elapsed. The outcome was fixed by an admin at
// initiation, so execution is open to any caller; the timer drives it
// in production.
func (s *Service) ResolveAfterTimelock(ctx context.Context, caller string, disputeID int64) (*Dispute, error) {
	release, err := s.locks.Lock(ctx, lockKey(disputeID))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return nil, ErrNotPending
	}
	if !d.Initiated() {
		return nil, ErrNotInitiated
	}
	if s.now().Before(d.ResolveAt) {
		return nil, ErrTimelockActive
	}

	if err := s.settle(ctx, d); err != nil {
		return nil, err
	}

	observeOp("resolved")
	s.emitter.EmitDispute(ctx, events.EventDisputeResolved, d.TradeID, d.ID, caller, map[string]interface{}{
		"favorMaker":    d.FavorMaker,
		"afterTimelock": true,
	})
	return d, nil
}

// CancelResolution aborts a pending dispute without settling funds.
// Admin only. The trade stays disputed and must be advanced by some
// other path.
func (s *Service) CancelResolution(ctx context.Context, caller string, disputeID int64) (*Dispute, error) {
	if err := s.authorizeAdmin(caller); err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, lockKey(disputeID))
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return nil, ErrNotPending
	}

	d.Status = StatusCanceled
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	observeOp("canceled")
	s.emitter.EmitDispute(ctx, events.EventDisputeResolutionCancelled, d.TradeID, d.ID, caller, nil)
	return d, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, disputeID int64) (*Dispute, error) {
	return s.store.Get(ctx, disputeID)
}

// GetByTrade returns the dispute for a trade.
func (s *Service) GetByTrade(ctx context.Context, tradeID int64) (*Dispute, error) {
	return s.store.GetByTrade(ctx, tradeID)
}

// EvidenceList returns a dispute's evidence in append order.
func (s *Service) EvidenceList(ctx context.Context, disputeID int64) ([]*Evidence, error) {
	if _, err := s.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListEvidence(ctx, disputeID)
}

// ResolveDue executes every pending dispute whose timelock has
// elapsed. Called by the timer; returns how many settled.
func (s *Service) ResolveDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, d := range due {
		if _, err := s.ResolveAfterTimelock(ctx, s.addr, d.ID); err != nil {
			s.logger.Warn("timelocked resolution failed",
				"dispute_id", d.ID, "trade_id", d.TradeID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// settle runs the shared settlement: move custody, set the trade's
// terminal status, mark the dispute resolved and charge the loser's
// reputation. The caller holds the dispute lock and has validated the
// dispute state; d.FavorMaker carries the outcome.
func (s *Service) settle(ctx context.Context, d *Dispute) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.settle",
		traces.DisputeID(d.ID), traces.TradeID(d.TradeID), attribute.Bool("favor_maker", d.FavorMaker))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	ta, err := s.trades()
	if err != nil {
		return err
	}
	parties, err := ta.DisputeInfo(ctx, d.TradeID)
	if err != nil {
		return fmt.Errorf("arbitration: resolve trade %d: %w", d.TradeID, err)
	}
	es, err := s.escrowLedger()
	if err != nil {
		return err
	}

	var outcome Outcome
	var loser string
	if d.FavorMaker {
		if _, err := es.Release(ctx, s.addr, d.TradeID, parties.Maker); err != nil {
			return fmt.Errorf("arbitration: settle escrow: %w", err)
		}
		outcome = OutcomeFinalized
		loser = parties.Taker
	} else {
		if _, err := es.Refund(ctx, s.addr, d.TradeID); err != nil {
			return fmt.Errorf("arbitration: settle escrow: %w", err)
		}
		outcome = OutcomeCancelled
		loser = parties.Maker
	}

	// Funds are settled; the status write and dispute record must
	// follow. Retry once, then surface for manual resolution.
	if err := ta.ApplyResolution(ctx, s.addr, d.TradeID, outcome); err != nil {
		if retryErr := ta.ApplyResolution(ctx, s.addr, d.TradeID, outcome); retryErr != nil {
			s.logger.Error("trade status stale after dispute settlement, manual resolution required",
				"dispute_id", d.ID, "trade_id", d.TradeID, "outcome", outcome, "error", retryErr)
			return fmt.Errorf("arbitration: apply resolution: %w", err)
		}
	}

	d.Status = StatusResolved
	if err := s.store.Update(ctx, d); err != nil {
		if retryErr := s.store.Update(ctx, d); retryErr != nil {
			s.logger.Error("dispute record stale after settlement, manual resolution required",
				"dispute_id", d.ID, "trade_id", d.TradeID, "error", retryErr)
			return fmt.Errorf("arbitration: update dispute: %w", err)
		}
	}

	if s.rep != nil && loser != "" {
		if err := s.rep.DisputeLost(ctx, loser); err != nil {
			s.logger.Warn("reputation update failed", "address", loser, "error", err)
		}
	}
	return nil
}

func lockKey(disputeID int64) string {
	return fmt.Sprintf("dispute:%d", disputeID)
}
