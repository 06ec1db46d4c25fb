package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedger_Deposit(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1234567890123456789012345678901234567890"

	err := ledger.Deposit(ctx, trader, dec("10.00"), "0xabc123")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	bal, err := ledger.GetBalance(ctx, trader)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !bal.Available.Equal(dec("10.00")) {
		t.Errorf("Expected available 10.00, got %s", bal.Available)
	}
	if !bal.TotalIn.Equal(dec("10.00")) {
		t.Errorf("Expected totalIn 10.00, got %s", bal.TotalIn)
	}
}

func TestLedger_DuplicateDeposit(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1234567890123456789012345678901234567890"

	if err := ledger.Deposit(ctx, trader, dec("10.00"), "0xabc123"); err != nil {
		t.Fatalf("First deposit failed: %v", err)
	}

	err := ledger.Deposit(ctx, trader, dec("10.00"), "0xabc123")
	if err != ErrDuplicateDeposit {
		t.Errorf("Expected ErrDuplicateDeposit, got %v", err)
	}

	// Balance unchanged
	bal, _ := ledger.GetBalance(ctx, trader)
	if !bal.Available.Equal(dec("10.00")) {
		t.Errorf("Duplicate deposit changed balance: %s", bal.Available)
	}
}

func TestLedger_DepositInvalidAmount(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Deposit(ctx, "0xabc", decimal.Zero, "0xtx1"); err != ErrInvalidAmount {
		t.Errorf("Expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := ledger.Deposit(ctx, "0xabc", dec("-5"), "0xtx2"); err != ErrInvalidAmount {
		t.Errorf("Expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestLedger_Withdraw(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1234567890123456789012345678901234567890"
	ledger.Deposit(ctx, trader, dec("10.00"), "0xtx1")

	if err := ledger.Withdraw(ctx, trader, dec("3.50"), "wd_1"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	bal, _ := ledger.GetBalance(ctx, trader)
	if !bal.Available.Equal(dec("6.50")) {
		t.Errorf("Expected available 6.50, got %s", bal.Available)
	}
	if !bal.TotalOut.Equal(dec("3.50")) {
		t.Errorf("Expected totalOut 3.50, got %s", bal.TotalOut)
	}
}

func TestLedger_WithdrawInsufficient(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1234567890123456789012345678901234567890"
	ledger.Deposit(ctx, trader, dec("5.00"), "0xtx1")

	err := ledger.Withdraw(ctx, trader, dec("10.00"), "wd_1")
	if err != ErrInsufficientFunds {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestLedger_WithdrawUnknownAccount(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	err := ledger.Withdraw(ctx, "0xnobody", dec("1.00"), "wd_1")
	if err != ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestLedger_Transfer(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	buyer := "0x1111111111111111111111111111111111111111"
	ledger.Deposit(ctx, buyer, dec("10.00"), "0xtx1")

	if err := ledger.Transfer(ctx, buyer, AccountEscrow, dec("4.00"), "trade_1"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	buyerBal, _ := ledger.GetBalance(ctx, buyer)
	escrowBal, _ := ledger.GetBalance(ctx, AccountEscrow)
	if !buyerBal.Available.Equal(dec("6.00")) {
		t.Errorf("Expected buyer 6.00, got %s", buyerBal.Available)
	}
	if !escrowBal.Available.Equal(dec("4.00")) {
		t.Errorf("Expected escrow 4.00, got %s", escrowBal.Available)
	}
}

func TestLedger_TransferInsufficient(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	buyer := "0x1111111111111111111111111111111111111111"
	ledger.Deposit(ctx, buyer, dec("2.00"), "0xtx1")

	err := ledger.Transfer(ctx, buyer, AccountEscrow, dec("4.00"), "trade_1")
	if err != ErrInsufficientFunds {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing moved
	escrowBal, _ := ledger.GetBalance(ctx, AccountEscrow)
	if !escrowBal.Available.IsZero() {
		t.Errorf("Escrow should be untouched, got %s", escrowBal.Available)
	}
}

func TestLedger_TransferSameAccount(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	// Normalization applies before the check
	err := ledger.Transfer(ctx, "0xAbC", " 0xabc ", dec("1.00"), "trade_1")
	if err != ErrSameAccount {
		t.Errorf("Expected ErrSameAccount, got %v", err)
	}
}

func TestLedger_TransferUnknownSource(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	err := ledger.Transfer(ctx, "0xnobody", AccountEscrow, dec("1.00"), "trade_1")
	if err != ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

// TestLedger_EscrowRoundTrip walks a full trade settlement through the
// system accounts and verifies no funds appear or vanish.
func TestLedger_EscrowRoundTrip(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	maker := "0x1111111111111111111111111111111111111111"
	taker := "0x2222222222222222222222222222222222222222"
	ledger.Deposit(ctx, maker, dec("100.00"), "0xtx1")

	// Lock, then settle: principal minus fee to the taker, fee to the platform.
	if err := ledger.Transfer(ctx, maker, AccountEscrow, dec("40.00"), "trade_1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := ledger.Transfer(ctx, AccountEscrow, taker, dec("39.60"), "trade_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.Transfer(ctx, AccountEscrow, AccountFees, dec("0.40"), "trade_1"); err != nil {
		t.Fatalf("fee: %v", err)
	}

	escrowBal, _ := ledger.GetBalance(ctx, AccountEscrow)
	if !escrowBal.Available.IsZero() {
		t.Errorf("Escrow should be drained, got %s", escrowBal.Available)
	}

	total, err := ledger.TotalAvailable(ctx)
	if err != nil {
		t.Fatalf("TotalAvailable failed: %v", err)
	}
	if !total.Equal(dec("100.00")) {
		t.Errorf("Expected total 100.00 after settlement, got %s", total)
	}
}

func TestLedger_History(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1111111111111111111111111111111111111111"
	other := "0x2222222222222222222222222222222222222222"
	ledger.Deposit(ctx, trader, dec("10.00"), "0xtx1")
	ledger.Deposit(ctx, other, dec("5.00"), "0xtx2")
	ledger.Transfer(ctx, trader, other, dec("2.00"), "trade_1")
	ledger.Withdraw(ctx, trader, dec("1.00"), "wd_1")

	entries, err := ledger.History(ctx, trader, 0, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	// Newest first
	if entries[0].Kind != KindWithdraw {
		t.Errorf("Expected withdrawal first, got %s", entries[0].Kind)
	}
	if entries[2].Kind != KindDeposit {
		t.Errorf("Expected deposit last, got %s", entries[2].Kind)
	}
}

func TestLedger_HistoryPaging(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	trader := "0x1111111111111111111111111111111111111111"
	for i := 0; i < 5; i++ {
		ledger.Deposit(ctx, trader, dec("1.00"), "0xtx"+string(rune('a'+i)))
	}

	first, err := ledger.History(ctx, trader, 0, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(first))
	}

	second, err := ledger.History(ctx, trader, first[len(first)-1].ID, 10)
	if err != nil {
		t.Fatalf("History page 2 failed: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("Expected 3 remaining entries, got %d", len(second))
	}
	if second[0].ID >= first[len(first)-1].ID {
		t.Errorf("Page 2 should start below id %d, got %d", first[len(first)-1].ID, second[0].ID)
	}
}

func TestLedger_AccountNormalization(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Deposit(ctx, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", dec("3.00"), "0xtx1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	bal, err := ledger.GetBalance(ctx, "0xabcdef0123456789abcdef0123456789abcdef01")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !bal.Available.Equal(dec("3.00")) {
		t.Errorf("Case-insensitive lookup failed, got %s", bal.Available)
	}
}
