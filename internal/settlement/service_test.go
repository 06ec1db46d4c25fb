package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/circuitbreaker"
	"github.com/peertradehq/peertrade/internal/ledger"
)

var txh = "0x" + strings.Repeat("a1", 32)

func addr(n byte) string {
	return fmt.Sprintf("0x%040x", n)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balanceOf(t *testing.T, led *ledger.Ledger, account string) decimal.Decimal {
	t.Helper()
	bal, err := led.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", account, err)
	}
	return bal.Available
}

// fakeWallet scripts custody behavior for service tests.
type fakeWallet struct {
	address     string
	balance     decimal.Decimal
	balanceErr  error
	deposits    []Deposit
	verifyErrs  []error // popped one per VerifyDeposit call; nil entry means success
	verifyCalls int
	transferErr error
	transfers   int
	lastTo      common.Address
	lastAmount  decimal.Decimal
	confirmRcpt *Receipt
	confirmErr  error
}

func (f *fakeWallet) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error) {
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	f.transfers++
	f.lastTo = to
	f.lastAmount = amount
	return &Receipt{TxHash: txh, From: f.address, To: strings.ToLower(to.Hex()), Amount: amount, Nonce: 1}, nil
}

func (f *fakeWallet) Confirmation(ctx context.Context, txHash string) (*Receipt, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	if f.confirmRcpt != nil {
		return f.confirmRcpt, nil
	}
	return &Receipt{TxHash: txHash, BlockNumber: 10}, nil
}

func (f *fakeWallet) VerifyDeposit(ctx context.Context, txHash string) ([]Deposit, error) {
	f.verifyCalls++
	if len(f.verifyErrs) > 0 {
		err := f.verifyErrs[0]
		f.verifyErrs = f.verifyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.deposits, nil
}

func (f *fakeWallet) Address() string { return f.address }

func (f *fakeWallet) Balance(ctx context.Context) (decimal.Decimal, error) {
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeWallet) Close() error { return nil }

func newServiceEnv(t *testing.T) (*Service, *fakeWallet, *ledger.Ledger) {
	t.Helper()
	w := &fakeWallet{address: addr(0xcc), balance: dec("1000")}
	led := ledger.New(ledger.NewMemoryStore())
	svc := NewService(w, led, circuitbreaker.New(2, time.Hour), slog.Default())
	svc.verifyBackoff = time.Millisecond
	return svc, w, led
}

func TestCreditDeposit(t *testing.T) {
	svc, w, led := newServiceEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	w.deposits = []Deposit{{TxHash: txh, LogIndex: 0, From: alice, Amount: dec("25"), BlockNumber: 42}}

	credits, err := svc.CreditDeposit(ctx, txh)
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if len(credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(credits))
	}
	if credits[0].From != alice || !credits[0].Amount.Equal(dec("25")) || credits[0].Duplicate {
		t.Errorf("unexpected credit: %+v", credits[0])
	}
	if want := txh + ":0"; credits[0].Reference != want {
		t.Errorf("reference = %q, want %q", credits[0].Reference, want)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance = %s, want 25", got)
	}

	// Verifying the same transaction again must not credit twice.
	// Mixed-case hashes normalize to the same reference.
	credits, err = svc.CreditDeposit(ctx, "0x"+strings.ToUpper(strings.Repeat("a1", 32)))
	if err != nil {
		t.Fatalf("CreditDeposit again: %v", err)
	}
	if len(credits) != 1 || !credits[0].Duplicate {
		t.Fatalf("expected duplicate credit, got %+v", credits)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance after duplicate = %s, want 25", got)
	}
}

func TestCreditDeposit_PendingThenMined(t *testing.T) {
	svc, w, led := newServiceEnv(t)
	alice := addr(0xa1)
	w.deposits = []Deposit{{TxHash: txh, LogIndex: 1, From: alice, Amount: dec("10")}}
	w.verifyErrs = []error{ErrTxPending}

	credits, err := svc.CreditDeposit(context.Background(), txh)
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if len(credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(credits))
	}
	if w.verifyCalls != 2 {
		t.Errorf("verify calls = %d, want 2", w.verifyCalls)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("10")) {
		t.Errorf("balance = %s, want 10", got)
	}
}

func TestCreditDeposit_InvalidHash(t *testing.T) {
	svc, w, _ := newServiceEnv(t)

	for _, hash := range []string{"", "abc", "0xzz", "0x" + strings.Repeat("a1", 31)} {
		if _, err := svc.CreditDeposit(context.Background(), hash); !errors.Is(err, ErrInvalidTxHash) {
			t.Errorf("CreditDeposit(%q) = %v, want ErrInvalidTxHash", hash, err)
		}
	}
	if w.verifyCalls != 0 {
		t.Errorf("verify calls = %d, want 0", w.verifyCalls)
	}
}

func TestCreditDeposit_NoDeposit(t *testing.T) {
	svc, w, _ := newServiceEnv(t)
	w.verifyErrs = []error{ErrNoDeposit}

	_, err := svc.CreditDeposit(context.Background(), txh)
	if !errors.Is(err, ErrNoDeposit) {
		t.Fatalf("err = %v, want ErrNoDeposit", err)
	}
	// A transaction with no custody transfer will never grow one.
	if w.verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1", w.verifyCalls)
	}
}

func TestCreditDeposit_BreakerOpens(t *testing.T) {
	svc, w, _ := newServiceEnv(t)
	boom := errors.New("connection refused")
	w.verifyErrs = []error{boom, boom, boom}

	_, err := svc.CreditDeposit(context.Background(), txh)
	if !errors.Is(err, ErrRPCUnavailable) {
		t.Fatalf("err = %v, want ErrRPCUnavailable", err)
	}
	if w.verifyCalls != 2 {
		t.Errorf("verify calls = %d, want 2", w.verifyCalls)
	}

	// Open circuit fails fast without touching the RPC.
	_, err = svc.CreditDeposit(context.Background(), txh)
	if !errors.Is(err, ErrRPCUnavailable) {
		t.Fatalf("err with open circuit = %v, want ErrRPCUnavailable", err)
	}
	if w.verifyCalls != 2 {
		t.Errorf("verify calls after open circuit = %d, want 2", w.verifyCalls)
	}
}

func TestWithdraw(t *testing.T) {
	svc, w, led := newServiceEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	recipient := addr(0xb0)
	if err := led.Deposit(ctx, alice, dec("100"), "seed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	receipt, err := svc.Withdraw(ctx, alice, recipient, dec("60"))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if receipt == nil || receipt.TxHash == "" {
		t.Fatalf("expected receipt, got %+v", receipt)
	}
	if w.transfers != 1 {
		t.Errorf("transfers = %d, want 1", w.transfers)
	}
	if w.lastTo != common.HexToAddress(recipient) {
		t.Errorf("sent to %s, want %s", w.lastTo.Hex(), recipient)
	}
	if !w.lastAmount.Equal(dec("60")) {
		t.Errorf("sent amount = %s, want 60", w.lastAmount)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("40")) {
		t.Errorf("balance = %s, want 40", got)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, w, led := newServiceEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	if err := led.Deposit(ctx, alice, dec("10"), "seed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	_, err := svc.Withdraw(ctx, alice, addr(0xb0), dec("60"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if w.transfers != 0 {
		t.Errorf("transfers = %d, want 0", w.transfers)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("10")) {
		t.Errorf("balance = %s, want 10", got)
	}
}

func TestWithdraw_RevertOnSendFailure(t *testing.T) {
	svc, w, led := newServiceEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	if err := led.Deposit(ctx, alice, dec("100"), "seed"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	w.transferErr = errors.New("nonce too low")

	_, err := svc.Withdraw(ctx, alice, addr(0xb0), dec("60"))
	if err == nil {
		t.Fatal("expected error when the send fails")
	}
	if w.transfers != 0 {
		t.Errorf("transfers = %d, want 0", w.transfers)
	}
	// The debit was compensated; no funds are stranded.
	if got := balanceOf(t, led, alice); !got.Equal(dec("100")) {
		t.Errorf("balance after revert = %s, want 100", got)
	}
}

func TestWithdraw_InvalidAddress(t *testing.T) {
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	if _, err := svc.Withdraw(ctx, "bogus", addr(0xb0), dec("1")); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad caller: err = %v, want ErrInvalidAddress", err)
	}
	if _, err := svc.Withdraw(ctx, addr(0xa1), "bogus", dec("1")); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad recipient: err = %v, want ErrInvalidAddress", err)
	}
}

func TestWithdraw_InvalidAmount(t *testing.T) {
	svc, _, _ := newServiceEnv(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5"} {
		if _, err := svc.Withdraw(ctx, addr(0xa1), addr(0xb0), dec(amount)); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Withdraw(%s): err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestServiceConfirm(t *testing.T) {
	svc, w, _ := newServiceEnv(t)
	ctx := context.Background()
	w.confirmRcpt = &Receipt{TxHash: txh, BlockNumber: 9, GasUsed: 52000}

	receipt, err := svc.Confirm(ctx, txh)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if receipt.BlockNumber != 9 || receipt.GasUsed != 52000 {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	w.confirmErr = ErrTxPending
	if _, err := svc.Confirm(ctx, txh); !errors.Is(err, ErrTxPending) {
		t.Errorf("pending: err = %v, want ErrTxPending", err)
	}

	if _, err := svc.Confirm(ctx, "abc"); !errors.Is(err, ErrInvalidTxHash) {
		t.Errorf("bad hash: err = %v, want ErrInvalidTxHash", err)
	}
}

func TestServiceWalletStatus(t *testing.T) {
	svc, w, _ := newServiceEnv(t)

	status, err := svc.WalletStatus(context.Background())
	if err != nil {
		t.Fatalf("WalletStatus: %v", err)
	}
	if status.Address != w.address {
		t.Errorf("address = %s, want %s", status.Address, w.address)
	}
	if !status.Balance.Equal(dec("1000")) {
		t.Errorf("balance = %s, want 1000", status.Balance)
	}
	if status.RPCCircuit != "closed" {
		t.Errorf("circuit = %s, want closed", status.RPCCircuit)
	}
}
