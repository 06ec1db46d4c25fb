package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/ledger"
	"github.com/peertradehq/peertrade/internal/registry"
)

const (
	tradeCaller = "0xtradecomponent"
	arbCaller   = "0xarbitrationcomponent"
	adminCaller = "0xadmin"
)

type stubTrades struct {
	infos map[int64]*TradeInfo
}

func (s *stubTrades) EscrowInfo(_ context.Context, tradeID int64) (*TradeInfo, error) {
	info, ok := s.infos[tradeID]
	if !ok {
		return nil, errors.New("trade not found")
	}
	return info, nil
}

type testEnv struct {
	ctx     context.Context
	svc     *Service
	led     *ledger.Ledger
	store   *MemoryStore
	trades  *stubTrades
	reg     *registry.Registry
	deposit int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	led := ledger.New(ledger.NewMemoryStore())
	reg := registry.New("0xowner")
	trades := &stubTrades{infos: make(map[int64]*TradeInfo)}
	if err := reg.Set("0xowner", registry.CapTrade, registry.Handle{Addr: tradeCaller, Impl: trades}); err != nil {
		t.Fatalf("bind trade capability: %v", err)
	}
	if err := reg.Set("0xowner", registry.CapArbitration, registry.Handle{Addr: arbCaller, Impl: struct{}{}}); err != nil {
		t.Fatalf("bind arbitration capability: %v", err)
	}

	store := NewMemoryStore()
	svc, err := NewService(store, led, reg, DefaultConfig(), []string{adminCaller}, slog.Default())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return &testEnv{
		ctx:    context.Background(),
		svc:    svc,
		led:    led,
		store:  store,
		trades: trades,
		reg:    reg,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (e *testEnv) fund(t *testing.T, account, amount string) {
	t.Helper()
	e.deposit++
	ref := fmt.Sprintf("test:seed:%d", e.deposit)
	if err := e.led.Deposit(e.ctx, account, dec(amount), ref); err != nil {
		t.Fatalf("seed %s with %s: %v", account, amount, err)
	}
}

func (e *testEnv) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	bal, err := e.led.GetBalance(e.ctx, account)
	if err != nil {
		t.Fatalf("balance of %s: %v", account, err)
	}
	return bal.Available
}

func (e *testEnv) lock(t *testing.T, tradeID int64, maker, amount string) *Record {
	t.Helper()
	rec, err := e.svc.Lock(e.ctx, tradeCaller, tradeID, maker, dec(amount))
	if err != nil {
		t.Fatalf("Lock trade %d: %v", tradeID, err)
	}
	return rec
}

func (e *testEnv) assertConserved(t *testing.T, tradeIDs ...int64) {
	t.Helper()
	totals, err := e.store.Totals(e.ctx, tradeIDs)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if !totals.Conserved() {
		t.Errorf("conservation broken over %v: in=%s out=%s balance=%s",
			tradeIDs, totals.TotalIn, totals.TotalOut, totals.Balance)
	}
}

func assertSettledOnce(t *testing.T, r *Record) {
	t.Helper()
	if r.Released && r.Refunded {
		t.Errorf("trade %d record both released and refunded", r.TradeID)
	}
}

// ---------------------------------------------------------------------------
// Lock
// ---------------------------------------------------------------------------

func TestLock_MovesFundsIntoCustody(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")

	rec := env.lock(t, 1, "0xalice", "1000")

	if !rec.Balance.Equal(dec("1000")) {
		t.Errorf("balance = %s, want 1000", rec.Balance)
	}
	if !rec.Locked || rec.Terminal() {
		t.Errorf("record not active after lock: %+v", rec)
	}
	if !rec.TotalIn.Equal(dec("1000")) || !rec.TotalOut.IsZero() {
		t.Errorf("totals = in %s out %s, want in 1000 out 0", rec.TotalIn, rec.TotalOut)
	}
	if got := env.balance(t, "0xalice"); !got.IsZero() {
		t.Errorf("maker balance = %s, want 0", got)
	}
	if got := env.balance(t, "escrow"); !got.Equal(dec("1000")) {
		t.Errorf("omnibus balance = %s, want 1000", got)
	}
	env.assertConserved(t, 1)
}

func TestLock_UnauthorizedCaller(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")

	if _, err := env.svc.Lock(env.ctx, "0xalice", 1, "0xalice", dec("100")); err != ErrUnauthorized {
		t.Errorf("maker calling directly: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Lock(env.ctx, adminCaller, 1, "0xalice", dec("100")); err != ErrUnauthorized {
		t.Errorf("admin calling lock: err = %v, want ErrUnauthorized", err)
	}
}

func TestLock_DuplicateTrade(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "500")
	env.lock(t, 1, "0xalice", "200")

	if _, err := env.svc.Lock(env.ctx, tradeCaller, 1, "0xalice", dec("200")); err != ErrAlreadyLocked {
		t.Errorf("second lock: err = %v, want ErrAlreadyLocked", err)
	}
	if got := env.balance(t, "0xalice"); !got.Equal(dec("300")) {
		t.Errorf("maker balance = %s, want 300 (no double debit)", got)
	}
}

func TestLock_RejectsAfterSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")
	if _, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	env.fund(t, "0xalice", "100")
	if _, err := env.svc.Lock(env.ctx, tradeCaller, 1, "0xalice", dec("100")); err != ErrAlreadyLocked {
		t.Errorf("relock of settled trade: err = %v, want ErrAlreadyLocked", err)
	}
}

func TestLock_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)

	for _, amount := range []string{"0", "-5"} {
		if _, err := env.svc.Lock(env.ctx, tradeCaller, 1, "0xalice", dec(amount)); err != ErrInvalidAmount {
			t.Errorf("lock %s: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestLock_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "50")

	_, err := env.svc.Lock(env.ctx, tradeCaller, 1, "0xalice", dec("100"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("err = %v, want wrapped ErrInsufficientFunds", err)
	}
	if _, err := env.svc.Get(env.ctx, 1); err != ErrRecordNotFound {
		t.Errorf("record exists after failed lock: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

func TestRelease_PaysFullBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")

	rec, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}

	if !rec.Released || rec.Refunded {
		t.Errorf("flags after release: %+v", rec)
	}
	if !rec.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", rec.Balance)
	}
	if !rec.TotalOut.Equal(dec("1000")) {
		t.Errorf("totalOut = %s, want 1000", rec.TotalOut)
	}
	if got := env.balance(t, "0xbob"); !got.Equal(dec("1000")) {
		t.Errorf("receiver balance = %s, want 1000", got)
	}
	if got := env.balance(t, "escrow"); !got.IsZero() {
		t.Errorf("omnibus balance = %s, want 0", got)
	}
	assertSettledOnce(t, rec)
	env.assertConserved(t, 1)
}

func TestRelease_TerminalRecord(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")
	if _, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob"); err != nil {
		t.Fatalf("first release: %v", err)
	}

	if _, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob"); err != ErrTerminal {
		t.Errorf("second release: err = %v, want ErrTerminal", err)
	}
	if got := env.balance(t, "0xbob"); !got.Equal(dec("100")) {
		t.Errorf("receiver balance = %s, want 100 (no double payout)", got)
	}
}

func TestRelease_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")

	if _, err := env.svc.Release(env.ctx, "0xbob", 1, "0xbob"); err != ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRelease_MissingRecord(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Release(env.ctx, tradeCaller, 42, "0xbob"); err != ErrRecordNotFound {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestSettlement_AdmitsArbitrationComponent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "300")
	env.lock(t, 1, "0xalice", "100")
	env.lock(t, 2, "0xalice", "200")
	env.trades.infos[2] = &TradeInfo{TradeID: 2, Maker: "0xalice", HeadMaker: "0xalice"}

	// Arbitration settles disputes through release and refund but may
	// not originate custody.
	if _, err := env.svc.Release(env.ctx, arbCaller, 1, "0xalice"); err != nil {
		t.Errorf("arbitration release: %v", err)
	}
	if _, err := env.svc.Refund(env.ctx, arbCaller, 2); err != nil {
		t.Errorf("arbitration refund: %v", err)
	}
	if _, err := env.svc.Lock(env.ctx, arbCaller, 3, "0xalice", dec("50")); err != ErrUnauthorized {
		t.Errorf("arbitration lock: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Transfer(env.ctx, arbCaller, 1, 3); err != ErrUnauthorized {
		t.Errorf("arbitration transfer: err = %v, want ErrUnauthorized", err)
	}
}

// ---------------------------------------------------------------------------
// Refund
// ---------------------------------------------------------------------------

func TestRefund_HeadPaysOfferOwner(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", HeadMaker: "0xalice"}

	rec, err := env.svc.Refund(env.ctx, tradeCaller, 1)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}

	if !rec.Refunded || rec.Released {
		t.Errorf("flags after refund: %+v", rec)
	}
	if !rec.TotalOut.Equal(dec("1000")) {
		t.Errorf("totalOut = %s, want 1000", rec.TotalOut)
	}
	if got := env.balance(t, "0xalice"); !got.Equal(dec("1000")) {
		t.Errorf("maker balance = %s, want 1000 back", got)
	}
	if got := env.balance(t, "escrow"); !got.IsZero() {
		t.Errorf("omnibus balance = %s, want 0", got)
	}
	assertSettledOnce(t, rec)
	env.assertConserved(t, 1)
}

func TestRefund_PredecessorTakesBalanceBack(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", HeadMaker: "0xalice"}
	env.trades.infos[2] = &TradeInfo{TradeID: 2, Maker: "0xbob", PrevID: 1, HeadMaker: "0xalice"}

	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 2); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	rec, err := env.svc.Refund(env.ctx, tradeCaller, 2)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !rec.Refunded || !rec.Balance.IsZero() {
		t.Errorf("successor after refund: %+v", rec)
	}

	pred, err := env.svc.Get(env.ctx, 1)
	if err != nil {
		t.Fatalf("Get predecessor: %v", err)
	}
	if !pred.Locked || pred.Terminal() {
		t.Errorf("predecessor not live again: %+v", pred)
	}
	if !pred.Balance.Equal(dec("1000")) {
		t.Errorf("predecessor balance = %s, want 1000", pred.Balance)
	}

	// Funds never left the omnibus account.
	if got := env.balance(t, "escrow"); !got.Equal(dec("1000")) {
		t.Errorf("omnibus balance = %s, want 1000", got)
	}
	env.assertConserved(t, 1, 2)
}

func TestRefund_PredecessorTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.trades.infos[2] = &TradeInfo{TradeID: 2, Maker: "0xbob", PrevID: 1, HeadMaker: "0xalice"}

	// A settled predecessor alongside a live successor should never
	// happen through the service; seed the store directly.
	if err := env.store.Create(env.ctx, &Record{TradeID: 1, Balance: decimal.Zero, Locked: true, Released: true}); err != nil {
		t.Fatalf("seed predecessor: %v", err)
	}
	if err := env.store.Create(env.ctx, &Record{TradeID: 2, Balance: dec("500"), Locked: true}); err != nil {
		t.Fatalf("seed successor: %v", err)
	}

	if _, err := env.svc.Refund(env.ctx, tradeCaller, 2); err != ErrPredecessorTerminal {
		t.Errorf("err = %v, want ErrPredecessorTerminal", err)
	}

	rec, _ := env.svc.Get(env.ctx, 2)
	if rec.Terminal() || !rec.Balance.Equal(dec("500")) {
		t.Errorf("successor mutated by failed refund: %+v", rec)
	}
}

func TestRefund_TerminalRecord(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", HeadMaker: "0xalice"}

	if _, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := env.svc.Refund(env.ctx, tradeCaller, 1); err != ErrTerminal {
		t.Errorf("refund after release: err = %v, want ErrTerminal", err)
	}
}

// ---------------------------------------------------------------------------
// Transfer
// ---------------------------------------------------------------------------

func TestTransfer_MovesFullBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")

	dst, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 2)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if !dst.Balance.Equal(dec("1000")) || !dst.Locked {
		t.Errorf("destination = %+v, want locked with balance 1000", dst)
	}
	if !dst.TotalIn.IsZero() {
		t.Errorf("destination totalIn = %s, want 0 (internal move)", dst.TotalIn)
	}

	src, err := env.svc.Get(env.ctx, 1)
	if err != nil {
		t.Fatalf("Get source: %v", err)
	}
	if src.Locked || src.Terminal() || !src.Balance.IsZero() {
		t.Errorf("source = %+v, want unlocked, non-terminal, zero balance", src)
	}

	if got := env.balance(t, "escrow"); !got.Equal(dec("1000")) {
		t.Errorf("omnibus balance = %s, want 1000 (unchanged)", got)
	}
	env.assertConserved(t, 1, 2)
}

func TestTransfer_DestinationExists(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "300")
	env.lock(t, 1, "0xalice", "100")
	env.lock(t, 2, "0xalice", "200")

	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 2); err != ErrAlreadyLocked {
		t.Errorf("err = %v, want ErrAlreadyLocked", err)
	}
}

func TestTransfer_SameTrade(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 7, 7); err != ErrSameTrade {
		t.Errorf("err = %v, want ErrSameTrade", err)
	}
}

func TestTransfer_SourceNotActive(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")

	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 2); err != nil {
		t.Fatalf("first transfer: %v", err)
	}

	// Source is drained and unlocked now.
	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 3); err != ErrNotLocked {
		t.Errorf("transfer from drained source: err = %v, want ErrNotLocked", err)
	}

	if _, err := env.svc.Release(env.ctx, tradeCaller, 2, "0xbob"); err != nil {
		t.Fatalf("release destination: %v", err)
	}
	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 2, 3); err != ErrTerminal {
		t.Errorf("transfer from settled source: err = %v, want ErrTerminal", err)
	}
}

// ---------------------------------------------------------------------------
// Split, penalty, platform fee
// ---------------------------------------------------------------------------

func TestSplit_PartialPayout(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")

	rec, err := env.svc.Split(env.ctx, adminCaller, 1, dec("300"), "0xcarol")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	if !rec.Balance.Equal(dec("700")) {
		t.Errorf("balance = %s, want 700", rec.Balance)
	}
	if rec.Terminal() || !rec.Locked {
		t.Errorf("split settled the record: %+v", rec)
	}
	if got := env.balance(t, "0xcarol"); !got.Equal(dec("300")) {
		t.Errorf("receiver balance = %s, want 300", got)
	}

	// The remainder still releases normally.
	if _, err := env.svc.Release(env.ctx, tradeCaller, 1, "0xbob"); err != nil {
		t.Fatalf("Release remainder: %v", err)
	}
	if got := env.balance(t, "0xbob"); !got.Equal(dec("700")) {
		t.Errorf("receiver balance = %s, want 700", got)
	}
	env.assertConserved(t, 1)
}

func TestSplit_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")

	if _, err := env.svc.Split(env.ctx, tradeCaller, 1, dec("10"), "0xcarol"); err != ErrUnauthorized {
		t.Errorf("trade component splitting: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Split(env.ctx, "0xalice", 1, dec("10"), "0xcarol"); err != ErrUnauthorized {
		t.Errorf("maker splitting: err = %v, want ErrUnauthorized", err)
	}
}

func TestSplit_ExceedsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")

	if _, err := env.svc.Split(env.ctx, adminCaller, 1, dec("100.01"), "0xcarol"); err != ErrInsufficientBalance {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if _, err := env.svc.Split(env.ctx, adminCaller, 1, dec("0"), "0xcarol"); err != ErrInvalidAmount {
		t.Errorf("zero split: err = %v, want ErrInvalidAmount", err)
	}
}

func TestPenalize_TakesConfiguredSlice(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")

	rec, err := env.svc.Penalize(env.ctx, adminCaller, 1)
	if err != nil {
		t.Fatalf("Penalize: %v", err)
	}

	// DefaultConfig takes 500 bps.
	if !rec.Balance.Equal(dec("950")) {
		t.Errorf("balance = %s, want 950", rec.Balance)
	}
	if got := env.balance(t, "fees"); !got.Equal(dec("50")) {
		t.Errorf("fees balance = %s, want 50", got)
	}

	// A second penalty applies to what remains.
	rec, err = env.svc.Penalize(env.ctx, adminCaller, 1)
	if err != nil {
		t.Fatalf("second Penalize: %v", err)
	}
	if !rec.Balance.Equal(dec("902.5")) {
		t.Errorf("balance = %s, want 902.5", rec.Balance)
	}
	env.assertConserved(t, 1)
}

func TestPenalize_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")

	if _, err := env.svc.Penalize(env.ctx, tradeCaller, 1); err != ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestPayPlatformFee_CollectsRecordedFee(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.lock(t, 1, "0xalice", "1000")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", Fee: dec("2.5"), HeadMaker: "0xalice"}

	rec, err := env.svc.PayPlatformFee(env.ctx, adminCaller, 1)
	if err != nil {
		t.Fatalf("PayPlatformFee: %v", err)
	}

	if !rec.Balance.Equal(dec("997.5")) {
		t.Errorf("balance = %s, want 997.5", rec.Balance)
	}
	if got := env.balance(t, "fees"); !got.Equal(dec("2.5")) {
		t.Errorf("fees balance = %s, want 2.5", got)
	}
	env.assertConserved(t, 1)
}

func TestPayPlatformFee_ZeroFeeNoop(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", HeadMaker: "0xalice"}

	rec, err := env.svc.PayPlatformFee(env.ctx, adminCaller, 1)
	if err != nil {
		t.Fatalf("PayPlatformFee: %v", err)
	}
	if !rec.Balance.Equal(dec("100")) {
		t.Errorf("balance = %s, want 100 untouched", rec.Balance)
	}
	if got := env.balance(t, "fees"); !got.IsZero() {
		t.Errorf("fees balance = %s, want 0", got)
	}
}

func TestPayPlatformFee_ExceedsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "100")
	env.lock(t, 1, "0xalice", "100")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", Fee: dec("150"), HeadMaker: "0xalice"}

	if _, err := env.svc.PayPlatformFee(env.ctx, adminCaller, 1); err != ErrInsufficientBalance {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

// ---------------------------------------------------------------------------
// Cross-operation properties
// ---------------------------------------------------------------------------

func TestConservation_TwoHopChainWithSkims(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "1000")
	env.trades.infos[1] = &TradeInfo{TradeID: 1, Maker: "0xalice", Fee: dec("1"), HeadMaker: "0xalice"}
	env.trades.infos[2] = &TradeInfo{TradeID: 2, Maker: "0xbob", Fee: dec("1"), PrevID: 1, HeadMaker: "0xalice"}

	env.lock(t, 1, "0xalice", "1000")
	env.assertConserved(t, 1, 2)

	if _, err := env.svc.Transfer(env.ctx, tradeCaller, 1, 2); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	env.assertConserved(t, 1, 2)

	if _, err := env.svc.PayPlatformFee(env.ctx, adminCaller, 2); err != nil {
		t.Fatalf("PayPlatformFee: %v", err)
	}
	env.assertConserved(t, 1, 2)

	if _, err := env.svc.Split(env.ctx, adminCaller, 2, dec("99"), "0xcarol"); err != nil {
		t.Fatalf("Split: %v", err)
	}
	env.assertConserved(t, 1, 2)

	if _, err := env.svc.Release(env.ctx, tradeCaller, 2, "0xbob"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	env.assertConserved(t, 1, 2)

	// 1000 in, 1 fee + 99 split + 900 release out.
	if got := env.balance(t, "0xbob"); !got.Equal(dec("900")) {
		t.Errorf("taker balance = %s, want 900", got)
	}
	if got := env.balance(t, "escrow"); !got.IsZero() {
		t.Errorf("omnibus balance = %s, want 0", got)
	}
}

func TestOpenBalance_TracksLiveRecords(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "600")
	env.lock(t, 1, "0xalice", "100")
	env.lock(t, 2, "0xalice", "200")
	env.lock(t, 3, "0xalice", "300")

	if _, err := env.svc.Release(env.ctx, tradeCaller, 2, "0xbob"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	open, err := env.svc.OpenBalance(env.ctx)
	if err != nil {
		t.Fatalf("OpenBalance: %v", err)
	}
	if !open.Equal(dec("400")) {
		t.Errorf("open balance = %s, want 400", open)
	}
	if got := env.balance(t, "escrow"); !got.Equal(open) {
		t.Errorf("omnibus %s != open records %s", got, open)
	}
}

func TestAuthorization_FollowsRegistryRebind(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "0xalice", "200")
	env.lock(t, 1, "0xalice", "100")

	next := &stubTrades{infos: make(map[int64]*TradeInfo)}
	if err := env.reg.Set("0xowner", registry.CapTrade, registry.Handle{Addr: "0xtradev2", Impl: next}); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	if _, err := env.svc.Lock(env.ctx, tradeCaller, 2, "0xalice", dec("100")); err != ErrUnauthorized {
		t.Errorf("old component after rebind: err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Lock(env.ctx, "0xtradev2", 2, "0xalice", dec("100")); err != nil {
		t.Errorf("new component after rebind: %v", err)
	}
}
