// Package funding is the card on-ramp: traders buy ledger balance
// with a Stripe PaymentIntent, and the signed webhook credits the
// purchased tokens exactly once per intent.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/idgen"
	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/validation"
)

var (
	ErrInvalidAddress   = errors.New("funding: invalid address")
	ErrInvalidAmount    = errors.New("funding: invalid amount")
	ErrInvalidCurrency  = errors.New("funding: invalid currency")
	ErrInvalidSignature = errors.New("funding: invalid webhook signature")
	ErrIntentNotFound   = errors.New("funding: payment intent not found")
	ErrNotYourIntent    = errors.New("funding: payment intent belongs to another trader")
)

const (
	// DefaultCurrency for card deposits.
	DefaultCurrency = "usd"

	// DefaultCentsPerToken prices one platform token at one dollar.
	DefaultCentsPerToken = 100

	// DefaultMinAmountCents is Stripe's card minimum.
	DefaultMinAmountCents = 50

	// DefaultMaxAmountCents caps a single card deposit.
	DefaultMaxAmountCents = 1_000_000
)

// IntentAPI is the slice of the Stripe SDK the service uses. The
// stripe client.API's PaymentIntents field satisfies it.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// LedgerService is the slice of the ledger funding needs.
type LedgerService interface {
	Deposit(ctx context.Context, account string, amount decimal.Decimal, reference string) error
}

// Config for the card on-ramp.
type Config struct {
	SecretKey      string // Stripe API key
	WebhookSecret  string // signing secret for the webhook endpoint
	Currency       string // accepted deposit currency
	CentsPerToken  int64  // fiat price of one platform token
	MinAmountCents int64
	MaxAmountCents int64
}

// DepositIntent is the caller-facing view of a card deposit.
type DepositIntent struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	AmountCents  int64           `json:"amountCents"`
	Currency     string          `json:"currency"`
	Tokens       decimal.Decimal `json:"tokens"`
	Status       string          `json:"status"`
	Address      string          `json:"address"`
}

// Service creates payment intents and applies their webhooks to the
// ledger. Stripe is the system of record for intent state; the ledger
// deposit reference (the intent id) is what makes crediting
// idempotent.
type Service struct {
	intents IntentAPI
	ledger  LedgerService
	cfg     Config
	emitter *events.Emitter
	logger  *slog.Logger
}

// NewService creates the funding service. Zero config fields get the
// package defaults.
func NewService(intents IntentAPI, led LedgerService, cfg Config, logger *slog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.CentsPerToken <= 0 {
		cfg.CentsPerToken = DefaultCentsPerToken
	}
	if cfg.MinAmountCents <= 0 {
		cfg.MinAmountCents = DefaultMinAmountCents
	}
	if cfg.MaxAmountCents <= 0 {
		cfg.MaxAmountCents = DefaultMaxAmountCents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		intents: intents,
		ledger:  led,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithEmitter attaches the audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// CreateDeposit opens a PaymentIntent for the given trader. The
// intent carries the trader's address and the token amount as
// metadata so the webhook can credit without recomputing the rate.
func (s *Service) CreateDeposit(ctx context.Context, address string, amountCents int64, currency string) (*DepositIntent, error) {
	address = validation.SanitizeAddress(address)
	if !validation.IsValidAddress(address) {
		return nil, ErrInvalidAddress
	}
	if amountCents < s.cfg.MinAmountCents || amountCents > s.cfg.MaxAmountCents {
		return nil, fmt.Errorf("%w: amount must be between %d and %d cents",
			ErrInvalidAmount, s.cfg.MinAmountCents, s.cfg.MaxAmountCents)
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	if currency != s.cfg.Currency {
		return nil, fmt.Errorf("%w: only %s deposits are supported", ErrInvalidCurrency, s.cfg.Currency)
	}

	tokens := s.tokensFor(amountCents)

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		Metadata: map[string]string{
			"address": address,
			"tokens":  tokens.String(),
		},
	}
	// One intent per call even if Stripe sees the request twice.
	params.SetIdempotencyKey(idgen.WithPrefix("fund_"))

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("funding: create intent: %w", err)
	}

	observeOp("intent_created")
	s.logger.Info("card deposit intent created",
		"account", address, "amountCents", amountCents, "tokens", tokens, "intent", pi.ID)
	return s.record(pi), nil
}

// IntentStatus fetches a deposit intent. Callers only see their own.
func (s *Service) IntentStatus(ctx context.Context, caller, id string) (*DepositIntent, error) {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "pi_") {
		return nil, ErrIntentNotFound
	}
	pi, err := s.intents.Get(id, nil)
	if err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("funding: fetch intent: %w", err)
	}
	rec := s.record(pi)
	if rec.Address != strings.ToLower(caller) {
		return nil, ErrNotYourIntent
	}
	return rec, nil
}

// HandleEvent verifies and applies one webhook delivery. A nil return
// acknowledges the event; an error tells Stripe to redeliver, which
// is safe because crediting is idempotent per intent id.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		return s.applySucceeded(ctx, event)
	case "payment_intent.payment_failed":
		// Nothing to unwind; the intent never credited.
		var pi stripe.PaymentIntent
		if jerr := json.Unmarshal(event.Data.Raw, &pi); jerr == nil {
			s.logger.Info("card deposit failed", "intent", pi.ID, "account", pi.Metadata["address"])
		}
		observeOp("payment_failed")
		return nil
	default:
		return nil
	}
}

func (s *Service) applySucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		// Redelivery gets the same bytes; acknowledge instead of looping.
		s.logger.Error("undecodable payment_intent.succeeded event", "event", event.ID, "error", err)
		return nil
	}

	addr := validation.SanitizeAddress(pi.Metadata["address"])
	if !validation.IsValidAddress(addr) {
		// Not created through CreateDeposit; nobody to credit.
		s.logger.Warn("succeeded intent without trader address", "intent", pi.ID)
		observeOp("unattributed")
		return nil
	}

	tokens, err := decimal.NewFromString(pi.Metadata["tokens"])
	if err != nil || !tokens.IsPositive() {
		tokens = s.tokensFor(pi.Amount)
	}
	if !tokens.IsPositive() {
		s.logger.Warn("succeeded intent with nothing to credit", "intent", pi.ID, "amountCents", pi.Amount)
		return nil
	}

	cerr := s.ledger.Deposit(ctx, addr, tokens, pi.ID)
	if errors.Is(cerr, ledger.ErrDuplicateDeposit) {
		observeOp("duplicate")
		return nil
	}
	if cerr != nil {
		return fmt.Errorf("funding: credit intent %s: %w", pi.ID, cerr)
	}

	observeOp("credited")
	s.emitter.Emit(ctx, events.EventFundingSucceeded, 0, 0, addr, map[string]interface{}{
		"intentId":    pi.ID,
		"amountCents": pi.Amount,
		"tokens":      tokens.String(),
	})
	s.logger.Info("card deposit credited", "account", addr, "tokens", tokens, "intent", pi.ID)
	return nil
}

func (s *Service) record(pi *stripe.PaymentIntent) *DepositIntent {
	tokens, err := decimal.NewFromString(pi.Metadata["tokens"])
	if err != nil {
		tokens = s.tokensFor(pi.Amount)
	}
	return &DepositIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Tokens:       tokens,
		Status:       string(pi.Status),
		Address:      validation.SanitizeAddress(pi.Metadata["address"]),
	}
}

// tokensFor converts a fiat amount to platform tokens at the
// configured rate.
func (s *Service) tokensFor(amountCents int64) decimal.Decimal {
	if amountCents <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(amountCents).Div(decimal.NewFromInt(s.cfg.CentsPerToken))
}
