//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/peertradehq/peertrade/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_CreditAndGetBalance(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000001"

	err := store.Credit(ctx, addr, dec("10.5"), "0xabc123")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, addr)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !bal.Available.Equal(dec("10.5")) {
		t.Errorf("Expected available 10.5, got %s", bal.Available)
	}
	if !bal.TotalIn.Equal(dec("10.5")) {
		t.Errorf("Expected totalIn 10.5, got %s", bal.TotalIn)
	}
}

func TestPostgres_DuplicateDepositReference(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000002"

	if err := store.Credit(ctx, addr, dec("10"), "0xdup"); err != nil {
		t.Fatalf("First credit failed: %v", err)
	}
	if err := store.Credit(ctx, addr, dec("10"), "0xdup"); err != ErrDuplicateDeposit {
		t.Errorf("Expected ErrDuplicateDeposit, got %v", err)
	}
}

func TestPostgres_DebitInsufficient(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000003"

	if err := store.Credit(ctx, addr, dec("5"), "0xtx1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	if err := store.Debit(ctx, addr, dec("10"), "wd_1"); err != ErrInsufficientFunds {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
	if err := store.Debit(ctx, "0xnobody", dec("1"), "wd_2"); err != ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgres_TransferAtomic(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	from := "0xaaaa000000000000000000000000000000000004"
	to := "escrow"

	if err := store.Credit(ctx, from, dec("100"), "0xtx1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Transfer(ctx, from, to, dec("40"), "trade_1"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	fromBal, _ := store.GetBalance(ctx, from)
	toBal, _ := store.GetBalance(ctx, to)
	if !fromBal.Available.Equal(dec("60")) {
		t.Errorf("Expected source 60, got %s", fromBal.Available)
	}
	if !toBal.Available.Equal(dec("40")) {
		t.Errorf("Expected escrow 40, got %s", toBal.Available)
	}

	// Failed transfer leaves both sides untouched
	if err := store.Transfer(ctx, from, to, dec("999"), "trade_2"); err != ErrInsufficientFunds {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	fromBal, _ = store.GetBalance(ctx, from)
	if !fromBal.Available.Equal(dec("60")) {
		t.Errorf("Failed transfer moved funds: %s", fromBal.Available)
	}
}

func TestPostgres_ConcurrentTransfers(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	from := "0xaaaa000000000000000000000000000000000005"

	if err := store.Credit(ctx, from, dec("100"), "0xtx1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	// 20 transfers of 10 against a balance of 100: exactly 10 must win.
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- store.Transfer(ctx, from, "escrow", dec("10"), "trade_concurrent")
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 10 {
		t.Errorf("Expected exactly 10 transfers to succeed, got %d", succeeded)
	}

	fromBal, _ := store.GetBalance(ctx, from)
	escrowBal, _ := store.GetBalance(ctx, "escrow")
	if !fromBal.Available.IsZero() {
		t.Errorf("Expected drained source, got %s", fromBal.Available)
	}
	if !escrowBal.Available.Equal(dec("100")) {
		t.Errorf("Expected escrow 100, got %s", escrowBal.Available)
	}
}

func TestPostgres_HistoryPaging(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000006"

	refs := []string{"0xt1", "0xt2", "0xt3", "0xt4", "0xt5"}
	for _, ref := range refs {
		if err := store.Credit(ctx, addr, dec("1"), ref); err != nil {
			t.Fatalf("Credit %s failed: %v", ref, err)
		}
	}

	first, err := store.History(ctx, addr, 0, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(first))
	}
	if first[0].ID <= first[1].ID {
		t.Errorf("Expected descending ids, got %d then %d", first[0].ID, first[1].ID)
	}

	rest, err := store.History(ctx, addr, first[1].ID, 10)
	if err != nil {
		t.Fatalf("History page 2 failed: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("Expected 3 remaining entries, got %d", len(rest))
	}
}

func TestPostgres_TotalAvailable(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	store.Credit(ctx, "0xaaaa000000000000000000000000000000000007", dec("10"), "0xt1")
	store.Credit(ctx, "0xaaaa000000000000000000000000000000000008", dec("25.5"), "0xt2")

	total, err := store.TotalAvailable(ctx)
	if err != nil {
		t.Fatalf("TotalAvailable failed: %v", err)
	}
	if !total.Equal(dec("35.5")) {
		t.Errorf("Expected total 35.5, got %s", total)
	}
}
