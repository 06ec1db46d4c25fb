package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/peertradehq/peertrade/internal/retry"
	"github.com/peertradehq/peertrade/internal/security"
)

// Webhook delivery is per trader: a subscription receives only events
// that touch the subscribing address. Payloads are HMAC-signed with the
// subscription secret.

// RetryConfig controls delivery retries and the auto-disable threshold.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // consecutive failures before the subscription is disabled
}

// DefaultRetryConfig is used by NewDispatcher.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxFailures: 10,
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	Address             string      `json:"address"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"` // empty = all events
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
}

// matches reports whether the subscription wants this event.
func (s *Subscription) matches(e *Event) bool {
	if !s.Active {
		return false
	}
	if !e.Touches(strings.ToLower(s.Address)) {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == e.Type {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAddress(ctx context.Context, addr string) ([]*Subscription, error)
	GetActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to webhook subscribers
type Dispatcher struct {
	store  SubscriptionStore
	client *http.Client
	logger *slog.Logger
	cfg    RetryConfig

	// urlValidator re-checks the target before every delivery, so a
	// subscription whose DNS now resolves somewhere internal stops
	// receiving traffic. Tests point it at a noop.
	urlValidator func(string) error
}

// NewDispatcher creates a webhook dispatcher with default retries
func NewDispatcher(store SubscriptionStore, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, logger, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with custom retry behavior
func NewDispatcherWithRetry(store SubscriptionStore, logger *slog.Logger, cfg RetryConfig) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		cfg:          cfg,
		urlValidator: security.ValidateWebhookURL,
	}
}

// Dispatch sends an event to all matching subscribers, async per
// subscription.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("get subscribers: %w", err)
	}

	for _, sub := range subs {
		if sub.matches(event) {
			go d.send(sub, event)
		}
	}

	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(sub, "url rejected: "+err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(sub, "failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	// Transport errors and 5xx responses are retried; 4xx means the
	// endpoint rejected the delivery and retrying won't help.
	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateError(sub, err.Error())
		return
	}
	d.updateSuccess(sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peertrade-Event", string(event.Type))
	req.Header.Set("X-Peertrade-Timestamp", fmt.Sprintf("%d", event.CreatedAt.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Peertrade-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// verify deliveries by recomputing this over the raw body.
func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(sub *Subscription, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= d.cfg.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook", sub.ID, "address", sub.Address, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// SubscriptionMemoryStore is an in-memory subscription store for
// development mode.
type SubscriptionMemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewSubscriptionMemoryStore creates a new in-memory subscription store
func NewSubscriptionMemoryStore() *SubscriptionMemoryStore {
	return &SubscriptionMemoryStore{
		subs: make(map[string]*Subscription),
	}
}

// Compile-time interface check
var _ SubscriptionStore = (*SubscriptionMemoryStore)(nil)

func (m *SubscriptionMemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *SubscriptionMemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *SubscriptionMemoryStore) GetByAddress(ctx context.Context, addr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Address, addr) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *SubscriptionMemoryStore) GetActive(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *SubscriptionMemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *SubscriptionMemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
