package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/circuitbreaker"
	"github.com/peertradehq/peertrade/internal/events"
	"github.com/peertradehq/peertrade/internal/idgen"
	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/retry"
	"github.com/peertradehq/peertrade/internal/validation"
)

// LedgerService is the slice of the ledger settlement needs.
type LedgerService interface {
	Deposit(ctx context.Context, account string, amount decimal.Decimal, reference string) error
	Withdraw(ctx context.Context, account string, amount decimal.Decimal, reference string) error
}

// rpcKey is the circuit breaker key shared by all custody RPC calls.
const rpcKey = "eth_rpc"

const (
	defaultVerifyAttempts = 3
	defaultVerifyBackoff  = 2 * time.Second
)

// Credit is the result of crediting one verified deposit.
type Credit struct {
	From      string          `json:"from"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// WalletStatus reports the custody wallet for the admin surface.
type WalletStatus struct {
	Address    string          `json:"address"`
	Balance    decimal.Decimal `json:"balance"`
	RPCCircuit string          `json:"rpcCircuit"`
}

// Service bridges custody and the ledger. Every RPC interaction runs
// behind a shared circuit breaker so a dead endpoint fails fast
// instead of hanging every caller.
type Service struct {
	wallet  CustodyWallet
	ledger  LedgerService
	breaker *circuitbreaker.Breaker
	emitter *events.Emitter
	logger  *slog.Logger

	verifyAttempts int
	verifyBackoff  time.Duration
}

// NewService creates the settlement service. A nil breaker gets the
// package defaults.
func NewService(wallet CustodyWallet, led LedgerService, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Service {
	if breaker == nil {
		breaker = circuitbreaker.New(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		wallet:         wallet,
		ledger:         led,
		breaker:        breaker,
		logger:         logger,
		verifyAttempts: defaultVerifyAttempts,
		verifyBackoff:  defaultVerifyBackoff,
	}
}

// WithEmitter attaches the audit event emitter.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// CreditDeposit verifies a deposit transaction and credits each
// on-chain sender's ledger account. A transaction that has not mined
// yet is retried a few times before giving up with ErrTxPending.
// Re-submitting an already-credited transaction is harmless: the
// per-log ledger reference makes the credit idempotent.
func (s *Service) CreditDeposit(ctx context.Context, txHash string) ([]Credit, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !txHashRe.MatchString(txHash) {
		return nil, ErrInvalidTxHash
	}

	var deposits []Deposit
	err := retry.Do(ctx, s.verifyAttempts, s.verifyBackoff, func() error {
		if !s.breaker.Allow(rpcKey) {
			return retry.Permanent(ErrRPCUnavailable)
		}
		found, verr := s.wallet.VerifyDeposit(ctx, txHash)
		switch {
		case verr == nil:
			s.breaker.RecordSuccess(rpcKey)
			deposits = found
			return nil
		case errors.Is(verr, ErrTxPending):
			// The RPC answered fine; the tx may still mine.
			s.breaker.RecordSuccess(rpcKey)
			return verr
		case rpcFault(verr):
			s.breaker.RecordFailure(rpcKey)
			return verr
		default:
			s.breaker.RecordSuccess(rpcKey)
			return retry.Permanent(verr)
		}
	})
	if err != nil {
		return nil, err
	}

	credits := make([]Credit, 0, len(deposits))
	for _, d := range deposits {
		ref := d.Reference()
		cerr := s.ledger.Deposit(ctx, d.From, d.Amount, ref)
		if errors.Is(cerr, ledger.ErrDuplicateDeposit) {
			credits = append(credits, Credit{From: d.From, Amount: d.Amount, Reference: ref, Duplicate: true})
			continue
		}
		if cerr != nil {
			return credits, cerr
		}
		credits = append(credits, Credit{From: d.From, Amount: d.Amount, Reference: ref})
		observeOp("deposit_credit")
		s.emitter.Emit(ctx, events.EventDepositCredited, 0, 0, d.From, map[string]interface{}{
			"txHash":    d.TxHash,
			"amount":    d.Amount.String(),
			"reference": ref,
		})
		s.logger.Info("deposit credited", "account", d.From, "amount", d.Amount, "tx", d.TxHash)
	}
	return credits, nil
}

// Withdraw debits the caller's ledger balance and sends that amount
// from custody to the given address. The debit happens first; if the
// on-chain send then fails, the debit is reverted.
func (s *Service) Withdraw(ctx context.Context, caller, to string, amount decimal.Decimal) (*Receipt, error) {
	caller = strings.ToLower(caller)
	to = strings.ToLower(strings.TrimSpace(to))
	if !validation.IsValidAddress(caller) || !validation.IsValidAddress(to) {
		return nil, ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ref := idgen.WithPrefix("wd_")
	if err := s.ledger.Withdraw(ctx, caller, amount, ref); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := s.guard(func() error {
		r, terr := s.wallet.Transfer(ctx, common.HexToAddress(to), amount)
		if terr != nil {
			return terr
		}
		receipt = r
		return nil
	})
	if err != nil {
		// Funds left the ledger but never left custody; put them back.
		rerr := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			derr := s.ledger.Deposit(ctx, caller, amount, ref+":revert")
			if errors.Is(derr, ledger.ErrDuplicateDeposit) {
				return nil
			}
			return derr
		})
		if rerr != nil {
			s.logger.Error("withdrawal revert failed, ledger debit unbacked, manual resolution required",
				"account", caller, "reference", ref, "amount", amount, "error", rerr)
		}
		return nil, err
	}

	observeOp("withdrawal")
	s.emitter.Emit(ctx, events.EventWithdrawalSent, 0, 0, caller, map[string]interface{}{
		"to":        to,
		"amount":    amount.String(),
		"txHash":    receipt.TxHash,
		"reference": ref,
	})
	s.logger.Info("withdrawal sent", "account", caller, "to", to, "amount", amount, "tx", receipt.TxHash)
	return receipt, nil
}

// Confirm checks a transaction's fate once.
func (s *Service) Confirm(ctx context.Context, txHash string) (*Receipt, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !txHashRe.MatchString(txHash) {
		return nil, ErrInvalidTxHash
	}

	var receipt *Receipt
	err := s.guard(func() error {
		r, cerr := s.wallet.Confirmation(ctx, txHash)
		if cerr != nil {
			return cerr
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	observeOp("confirm")
	return receipt, nil
}

// WalletStatus reads the custody address, on-chain balance and the
// breaker state.
func (s *Service) WalletStatus(ctx context.Context) (*WalletStatus, error) {
	status := &WalletStatus{
		Address:    s.wallet.Address(),
		RPCCircuit: s.breaker.State(rpcKey).String(),
	}
	err := s.guard(func() error {
		bal, berr := s.wallet.Balance(ctx)
		if berr != nil {
			return berr
		}
		status.Balance = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// guard runs one RPC interaction behind the breaker.
func (s *Service) guard(fn func() error) error {
	if !s.breaker.Allow(rpcKey) {
		return ErrRPCUnavailable
	}
	err := fn()
	if rpcFault(err) {
		s.breaker.RecordFailure(rpcKey)
	} else {
		s.breaker.RecordSuccess(rpcKey)
	}
	return err
}

// rpcFault reports whether err means the RPC endpoint itself
// misbehaved. Domain outcomes like a pending or reverted transaction
// rode a healthy connection and must not trip the circuit.
func rpcFault(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTxPending),
		errors.Is(err, ErrTxFailed),
		errors.Is(err, ErrNoDeposit),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress):
		return false
	}
	return true
}
