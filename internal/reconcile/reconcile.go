// Package reconcile audits the books. Custody moves value in two
// places at once: the omnibus ledger account and the per-trade escrow
// records. Both live in the same store and move in the same
// transactions, so any daylight between them is a bug, not noise.
//
// Two checks run per sweep. The omnibus check compares the escrow
// account's ledger balance against the summed balance of open escrow
// records. The sequence check verifies that every open trade chain
// conserved value: what went in equals what came out plus what is
// still held.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/escrow"
	"github.com/peertradehq/peertrade/internal/ledger"
)

// LedgerReader reads account balances. *ledger.Ledger satisfies it;
// accounts that never held funds read as zero, not as an error.
type LedgerReader interface {
	GetBalance(ctx context.Context, account string) (*ledger.Balance, error)
}

// EscrowBook exposes the custody aggregates. *escrow.Service
// satisfies it.
type EscrowBook interface {
	OpenBalance(ctx context.Context) (decimal.Decimal, error)
	SequenceTotals(ctx context.Context, tradeIDs []int64) (*escrow.Totals, error)
}

// SequenceSource enumerates trade chains that still hold or may still
// move value. The trade stores satisfy it.
type SequenceSource interface {
	OpenSequences(ctx context.Context) ([][]int64, error)
}

// SequenceDrift describes a chain whose custody totals do not add up.
type SequenceDrift struct {
	TradeIDs []int64         `json:"tradeIds"`
	TotalIn  decimal.Decimal `json:"totalIn"`
	TotalOut decimal.Decimal `json:"totalOut"`
	Balance  decimal.Decimal `json:"balance"`
}

// Report is the outcome of one reconciliation sweep.
type Report struct {
	CheckedAt     time.Time       `json:"checkedAt"`
	LedgerBalance decimal.Decimal `json:"ledgerBalance"`
	OpenEscrow    decimal.Decimal `json:"openEscrow"`
	Drift         decimal.Decimal `json:"drift"`
	Match         bool            `json:"match"`
	Sequences     int             `json:"sequences"`
	Broken        []SequenceDrift `json:"broken,omitempty"`
	Skipped       int             `json:"skipped,omitempty"`
}

// Clean reports whether the sweep found nothing to flag.
func (r *Report) Clean() bool {
	return r.Match && len(r.Broken) == 0 && r.Skipped == 0
}

// Service runs reconciliation sweeps.
type Service struct {
	ledger    LedgerReader
	book      EscrowBook
	sequences SequenceSource
	account   string
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewService creates the reconciliation service. account is the
// omnibus escrow ledger account; empty means the default "escrow".
func NewService(led LedgerReader, book EscrowBook, sequences SequenceSource, account string, logger *slog.Logger) *Service {
	if account == "" {
		account = "escrow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    led,
		book:      book,
		sequences: sequences,
		account:   account,
		threshold: decimal.Zero,
		logger:    logger,
	}
}

// SetThreshold sets the drift tolerance of the omnibus check. The
// ledger balance and the record sum are read separately, so a trade
// settling between the two reads shows up as transient drift; the
// default of zero treats that as a mismatch and relies on the next
// sweep to clear it.
func (s *Service) SetThreshold(value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", value, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("threshold must not be negative, got %s", value)
	}
	s.threshold = d
	return nil
}

// Run executes one sweep. A failed top-level read aborts the run; a
// single chain that cannot be totalled is counted as skipped and the
// sweep moves on.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{CheckedAt: start.UTC()}

	bal, err := s.ledger.GetBalance(ctx, s.account)
	if err != nil {
		errorsTotal.Inc()
		return nil, fmt.Errorf("ledger balance: %w", err)
	}
	rep.LedgerBalance = bal.Available

	open, err := s.book.OpenBalance(ctx)
	if err != nil {
		errorsTotal.Inc()
		return nil, fmt.Errorf("open escrow: %w", err)
	}
	rep.OpenEscrow = open
	rep.Drift = rep.LedgerBalance.Sub(open)
	rep.Match = rep.Drift.Abs().LessThanOrEqual(s.threshold)

	seqs, err := s.sequences.OpenSequences(ctx)
	if err != nil {
		errorsTotal.Inc()
		return nil, fmt.Errorf("open sequences: %w", err)
	}
	for _, ids := range seqs {
		tot, err := s.book.SequenceTotals(ctx, ids)
		if err != nil {
			s.logger.Warn("failed to total sequence", "head_id", ids[0], "error", err)
			errorsTotal.Inc()
			rep.Skipped++
			continue
		}
		rep.Sequences++
		if !tot.Conserved() {
			rep.Broken = append(rep.Broken, SequenceDrift{
				TradeIDs: ids,
				TotalIn:  tot.TotalIn,
				TotalOut: tot.TotalOut,
				Balance:  tot.Balance,
			})
		}
	}

	driftGauge.Set(rep.Drift.InexactFloat64())
	brokenGauge.Set(float64(len(rep.Broken)))
	runDuration.Observe(time.Since(start).Seconds())

	switch {
	case !rep.Match:
		s.logger.Error("escrow omnibus out of balance",
			"ledger", rep.LedgerBalance, "open_escrow", rep.OpenEscrow, "drift", rep.Drift)
	case len(rep.Broken) > 0:
		s.logger.Error("chain custody not conserved", "sequences", len(rep.Broken))
	default:
		s.logger.Debug("reconciliation clean",
			"open_escrow", rep.OpenEscrow, "sequences", rep.Sequences)
	}
	return rep, nil
}
