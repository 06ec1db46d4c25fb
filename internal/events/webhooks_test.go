package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store SubscriptionStore) *Dispatcher {
	d := NewDispatcher(store, slog.Default())
	d.urlValidator = noopValidator
	return d
}

// ---------------------------------------------------------------------------
// SubscriptionMemoryStore tests
// ---------------------------------------------------------------------------

func TestSubscriptionMemoryStore_CRUD(t *testing.T) {
	store := NewSubscriptionMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		Address:   "0xmaker1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventEscrowReleased},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Update
	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	store.Delete(ctx, "wh_test1")
	_, err = store.Get(ctx, "wh_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestSubscriptionMemoryStore_GetByAddress(t *testing.T) {
	store := NewSubscriptionMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", Events: []EventType{EventEscrowReleased}})
	store.Create(ctx, &Subscription{ID: "wh2", Address: "0xb", Events: []EventType{EventEscrowReleased}})
	store.Create(ctx, &Subscription{ID: "wh3", Address: "0xA", Events: []EventType{EventEscrowRefunded}})

	subs, _ := store.GetByAddress(ctx, "0xa")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for 0xa, got %d", len(subs))
	}
}

func TestSubscriptionMemoryStore_GetActive(t *testing.T) {
	store := NewSubscriptionMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", Address: "0xb", Active: false})

	subs, _ := store.GetActive(ctx)
	if len(subs) != 1 {
		t.Errorf("Expected 1 active sub, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Subscription matching tests
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	sub := &Subscription{
		Address: "0xMaker",
		Events:  []EventType{EventTradeCreated, EventEscrowReleased},
		Active:  true,
	}

	touching := &Event{
		Type: EventTradeCreated,
		Data: map[string]interface{}{"maker": "0xmaker", "taker": "0xtaker"},
	}
	wrongType := &Event{
		Type: EventTradeAccepted,
		Data: map[string]interface{}{"maker": "0xmaker"},
	}
	notTouching := &Event{
		Type: EventTradeCreated,
		Data: map[string]interface{}{"maker": "0xother", "taker": "0xanother"},
	}

	if !sub.matches(touching) {
		t.Error("Should match subscribed type touching the address")
	}
	if sub.matches(wrongType) {
		t.Error("Should NOT match unsubscribed type")
	}
	if sub.matches(notTouching) {
		t.Error("Should NOT match events for other parties")
	}

	sub.Active = false
	if sub.matches(touching) {
		t.Error("Inactive subscription should never match")
	}
}

func TestSubscription_Matches_EmptyEventsMeansAll(t *testing.T) {
	sub := &Subscription{Address: "0xa", Active: true}

	event := &Event{Type: EventDisputeResolved, Actor: "0xa"}
	if !sub.matches(event) {
		t.Error("Empty event list should match every type touching the address")
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"escrow.released","data":{}}`)
	secret := "test_secret_key"

	sig := sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test": true}`)
	sig1 := sign(payload, "secret1")
	sig2 := sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
	})

	d := newTestDispatcher(store)
	event := &Event{
		Type:      EventEscrowReleased,
		TradeID:   1,
		Actor:     "0xa",
		CreatedAt: time.Now(),
		Data:      map[string]interface{}{"amount": "5.00"},
	}

	err := d.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  false, // Inactive
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_SkipsUnrelatedParties(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xb",
		URL:     server.URL,
		Events:  []EventType{EventTradeCreated},
		Active:  true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventTradeCreated,
		TradeID:   1,
		Actor:     "0xa",
		CreatedAt: time.Now(),
		Data:      map[string]interface{}{"maker": "0xa", "taker": "0xc"},
	})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for a trade not involving 0xb, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Peertrade-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
		Secret:  secret,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventEscrowReleased,
		Actor:     "0xa",
		CreatedAt: time.Now(),
		Data:      map[string]interface{}{"amount": "5.00"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))

	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-Peertrade-Event")
		gotTimestamp = r.Header.Get("X-Peertrade-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowLocked},
		Active:  true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventEscrowLocked, Actor: "0xa", CreatedAt: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "escrow.locked" {
		t.Errorf("Expected event type escrow.locked, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowTransferred},
		Active:  true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventEscrowTransferred,
		TradeID:   4,
		CreatedAt: time.Now(),
		Data:      map[string]interface{}{"from": "0xa", "to": "0xb", "amount": "10.00"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventEscrowTransferred {
		t.Errorf("Expected type escrow.transferred, got %s", parsed.Type)
	}
	if parsed.TradeID != 4 {
		t.Errorf("Expected tradeId 4, got %d", parsed.TradeID)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	// Server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
	})

	d := NewDispatcherWithRetry(store, slog.Default(), RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 50,
	})
	d.urlValidator = noopValidator
	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", sub.ConsecutiveFailures)
	}
	if !sub.Active {
		t.Error("Subscription should stay active below the failure threshold")
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:                  "wh1",
		Address:             "0xa",
		URL:                 server.URL,
		Events:              []EventType{EventEscrowReleased},
		Active:              true,
		LastError:           "stale error",
		ConsecutiveFailures: 3,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure count reset, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
	})

	d := NewDispatcherWithRetry(store, slog.Default(), RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 2,
	})
	d.urlValidator = noopValidator

	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})
	time.Sleep(200 * time.Millisecond)
	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})
	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.Active {
		t.Error("Subscription should be disabled after reaching the failure threshold")
	}
	if sub.ConsecutiveFailures != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	store := NewSubscriptionMemoryStore()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(400)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh1",
		Address: "0xa",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
	})

	d := NewDispatcherWithRetry(store, slog.Default(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 50,
	})
	d.urlValidator = noopValidator
	d.Dispatch(ctx, &Event{Type: EventEscrowReleased, Actor: "0xa", CreatedAt: time.Now()})

	time.Sleep(300 * time.Millisecond)

	if requests.Load() != 1 {
		t.Errorf("Expected a 4xx response to stop retries, got %d requests", requests.Load())
	}
	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 400 response")
	}
}
