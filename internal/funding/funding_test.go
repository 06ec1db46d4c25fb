package funding

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/peertradehq/peertrade/internal/auth"
	"github.com/peertradehq/peertrade/internal/ledger"
)

const testWebhookSecret = "whsec_test_secret"

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

// fakeIntents scripts the Stripe payment-intent API.
type fakeIntents struct {
	lastParams *stripe.PaymentIntentParams
	lastGetID  string
	intent     *stripe.PaymentIntent
	newErr     error
	getIntent  *stripe.PaymentIntent
	getErr     error
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastParams = params
	if f.newErr != nil {
		return nil, f.newErr
	}
	if f.intent != nil {
		return f.intent, nil
	}
	return &stripe.PaymentIntent{
		ID:           "pi_test_123",
		ClientSecret: "pi_test_123_secret",
		Amount:       *params.Amount,
		Metadata:     params.Metadata,
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastGetID = id
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getIntent != nil {
		return f.getIntent, nil
	}
	return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound}
}

// failingLedger rejects every deposit.
type failingLedger struct{ err error }

func (f *failingLedger) Deposit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	return f.err
}

func newFundingEnv(t *testing.T) (*Service, *fakeIntents, *ledger.Ledger) {
	t.Helper()
	intents := &fakeIntents{}
	led := ledger.New(ledger.NewMemoryStore())
	svc := NewService(intents, led, Config{
		SecretKey:     "sk_test_x",
		WebhookSecret: testWebhookSecret,
	}, slog.Default())
	return svc, intents, led
}

// eventPayload builds a webhook body for one payment-intent event.
func eventPayload(t *testing.T, eventType, intentID, address, tokens string, amountCents int64) []byte {
	t.Helper()
	metadata := map[string]string{}
	if address != "" {
		metadata["address"] = address
	}
	if tokens != "" {
		metadata["tokens"] = tokens
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       intentID,
				"object":   "payment_intent",
				"amount":   amountCents,
				"currency": "usd",
				"status":   "succeeded",
				"metadata": metadata,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func signHeader(payload []byte, secret string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func TestCreateDeposit(t *testing.T) {
	svc, intents, _ := newFundingEnv(t)
	alice := addr(0xa1)

	intent, err := svc.CreateDeposit(context.Background(), alice, 2500, "")
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if intent.ID != "pi_test_123" || intent.ClientSecret == "" {
		t.Errorf("unexpected intent: %+v", intent)
	}
	if intent.AmountCents != 2500 || !intent.Tokens.Equal(dec("25")) {
		t.Errorf("amount = %d cents / %s tokens, want 2500 / 25", intent.AmountCents, intent.Tokens)
	}
	if intent.Address != alice {
		t.Errorf("address = %s, want %s", intent.Address, alice)
	}

	p := intents.lastParams
	if *p.Amount != 2500 || *p.Currency != "usd" {
		t.Errorf("stripe params = %d %s, want 2500 usd", *p.Amount, *p.Currency)
	}
	if p.Metadata["address"] != alice || p.Metadata["tokens"] != "25" {
		t.Errorf("metadata = %v", p.Metadata)
	}
	if p.IdempotencyKey == nil || !strings.HasPrefix(*p.IdempotencyKey, "fund_") {
		t.Errorf("idempotency key = %v, want fund_ prefix", p.IdempotencyKey)
	}
}

func TestCreateDeposit_Validation(t *testing.T) {
	svc, _, _ := newFundingEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)

	if _, err := svc.CreateDeposit(ctx, "bogus", 2500, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad address: err = %v, want ErrInvalidAddress", err)
	}
	if _, err := svc.CreateDeposit(ctx, alice, 49, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("below minimum: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.CreateDeposit(ctx, alice, 1_000_001, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("above maximum: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.CreateDeposit(ctx, alice, 2500, "eur"); !errors.Is(err, ErrInvalidCurrency) {
		t.Errorf("unsupported currency: err = %v, want ErrInvalidCurrency", err)
	}
	// Currency comparison is case-insensitive.
	if _, err := svc.CreateDeposit(ctx, alice, 2500, "USD"); err != nil {
		t.Errorf("uppercase currency: %v", err)
	}
}

func TestCreateDeposit_StripeDown(t *testing.T) {
	svc, intents, _ := newFundingEnv(t)
	intents.newErr = errors.New("api_connection_error")

	if _, err := svc.CreateDeposit(context.Background(), addr(0xa1), 2500, ""); err == nil {
		t.Fatal("expected error when stripe is unreachable")
	}
}

func TestHandleEvent_CreditsOnce(t *testing.T) {
	svc, _, led := newFundingEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", alice, "25", 2500)
	header := signHeader(payload, testWebhookSecret)

	if err := svc.HandleEvent(ctx, payload, header); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance = %s, want 25", got)
	}

	// Stripe redelivers; the intent id reference blocks the second credit.
	if err := svc.HandleEvent(ctx, payload, header); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance after redelivery = %s, want 25", got)
	}
}

func TestHandleEvent_BadSignature(t *testing.T) {
	svc, _, led := newFundingEnv(t)
	alice := addr(0xa1)
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", alice, "25", 2500)

	err := svc.HandleEvent(context.Background(), payload, signHeader(payload, "whsec_wrong"))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if err := svc.HandleEvent(context.Background(), payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing header: err = %v, want ErrInvalidSignature", err)
	}
	if got := balanceOf(t, led, alice); !got.IsZero() {
		t.Errorf("unsigned event must not credit, got %s", got)
	}
}

func TestHandleEvent_IgnoresOtherEvents(t *testing.T) {
	svc, _, led := newFundingEnv(t)
	alice := addr(0xa1)
	payload := eventPayload(t, "payment_intent.created", "pi_abc", alice, "25", 2500)

	if err := svc.HandleEvent(context.Background(), payload, signHeader(payload, testWebhookSecret)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := balanceOf(t, led, alice); !got.IsZero() {
		t.Errorf("created event must not credit, got %s", got)
	}
}

func TestHandleEvent_Unattributed(t *testing.T) {
	svc, _, _ := newFundingEnv(t)
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", "", "", 2500)

	// An intent created outside the platform acknowledges cleanly.
	if err := svc.HandleEvent(context.Background(), payload, signHeader(payload, testWebhookSecret)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
}

func TestHandleEvent_TokensFallback(t *testing.T) {
	svc, _, led := newFundingEnv(t)
	alice := addr(0xa1)
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", alice, "", 2500)

	if err := svc.HandleEvent(context.Background(), payload, signHeader(payload, testWebhookSecret)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance = %s, want 25 from the configured rate", got)
	}
}

func TestHandleEvent_LedgerFailure(t *testing.T) {
	intents := &fakeIntents{}
	svc := NewService(intents, &failingLedger{err: errors.New("store unavailable")},
		Config{WebhookSecret: testWebhookSecret}, slog.Default())
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", addr(0xa1), "25", 2500)

	err := svc.HandleEvent(context.Background(), payload, signHeader(payload, testWebhookSecret))
	if err == nil {
		t.Fatal("expected error so stripe redelivers")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, must not be a signature failure", err)
	}
}

func TestIntentStatus(t *testing.T) {
	svc, intents, _ := newFundingEnv(t)
	ctx := context.Background()
	alice := addr(0xa1)
	bob := addr(0xb2)
	intents.getIntent = &stripe.PaymentIntent{
		ID:       "pi_abc",
		Amount:   2500,
		Metadata: map[string]string{"address": alice, "tokens": "25"},
		Status:   stripe.PaymentIntentStatusSucceeded,
	}

	rec, err := svc.IntentStatus(ctx, alice, "pi_abc")
	if err != nil {
		t.Fatalf("IntentStatus: %v", err)
	}
	if rec.Status != "succeeded" || !rec.Tokens.Equal(dec("25")) {
		t.Errorf("unexpected record: %+v", rec)
	}

	if _, err := svc.IntentStatus(ctx, bob, "pi_abc"); !errors.Is(err, ErrNotYourIntent) {
		t.Errorf("foreign caller: err = %v, want ErrNotYourIntent", err)
	}
	if _, err := svc.IntentStatus(ctx, alice, "not-an-intent"); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("bad id: err = %v, want ErrIntentNotFound", err)
	}

	intents.getIntent = nil
	intents.getErr = &stripe.Error{HTTPStatusCode: http.StatusNotFound}
	if _, err := svc.IntentStatus(ctx, alice, "pi_missing"); !errors.Is(err, ErrIntentNotFound) {
		t.Errorf("missing intent: err = %v, want ErrIntentNotFound", err)
	}
}

func setupFundingRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if a := c.GetHeader("X-Trader-Address"); a != "" {
			c.Set(auth.ContextKeyAPIKey, &auth.APIKey{Address: a})
			c.Set(auth.ContextKeyAddress, a)
		}
	})
	NewHandler(svc).RegisterRoutes(v1)
	return r
}

func TestWebhookEndpoint(t *testing.T) {
	svc, _, led := newFundingEnv(t)
	r := setupFundingRouter(svc)
	alice := addr(0xa1)
	payload := eventPayload(t, "payment_intent.succeeded", "pi_abc", alice, "25", 2500)

	req := httptest.NewRequest(http.MethodPost, "/v1/funding/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signHeader(payload, testWebhookSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := balanceOf(t, led, alice); !got.Equal(dec("25")) {
		t.Errorf("balance = %s, want 25", got)
	}

	// Tampered signature.
	req = httptest.NewRequest(http.MethodPost, "/v1/funding/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signHeader(payload, "whsec_wrong"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateDepositEndpoint(t *testing.T) {
	svc, _, _ := newFundingEnv(t)
	r := setupFundingRouter(svc)
	alice := addr(0xa1)

	body := bytes.NewReader([]byte(`{"amountCents": 2500}`))
	req := httptest.NewRequest(http.MethodPost, "/v1/funding/deposits", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trader-Address", alice)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Intent DepositIntent `json:"intent"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Intent.ID == "" || resp.Intent.ClientSecret == "" {
		t.Errorf("unexpected intent: %+v", resp.Intent)
	}

	// Unauthenticated callers never reach Stripe.
	req = httptest.NewRequest(http.MethodPost, "/v1/funding/deposits", bytes.NewReader([]byte(`{"amountCents": 2500}`)))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
