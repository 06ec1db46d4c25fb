// Package events records the append-only audit trail of trade activity.
//
// Every successful operation lands exactly one event here; failed
// operations emit nothing. The same event feeds three consumers:
// the durable log (queryable over HTTP), the WebSocket hub, and
// webhook subscribers.
package events

import (
	"context"
	"time"
)

// EventType identifies one entry in the audit catalogue.
type EventType string

const (
	EventTradeCreated   EventType = "trade.created"
	EventTradeAccepted  EventType = "trade.accepted"
	EventTradeFiatPaid  EventType = "trade.fiat_paid"
	EventTradeFinalized EventType = "trade.finalized"
	EventTradeCancelled EventType = "trade.cancelled"
	EventTradeDisputed  EventType = "trade.disputed"
	EventTradeTimedOut  EventType = "trade.timed_out"

	EventEscrowLocked      EventType = "escrow.locked"
	EventEscrowReleased    EventType = "escrow.released"
	EventEscrowRefunded    EventType = "escrow.refunded"
	EventEscrowSplit       EventType = "escrow.split"
	EventEscrowPenalized   EventType = "escrow.penalized"
	EventEscrowFeePaid     EventType = "escrow.fee_paid"
	EventEscrowTransferred EventType = "escrow.transferred"

	EventDisputeCreated             EventType = "dispute.created"
	EventDisputeEvidenceSubmitted   EventType = "dispute.evidence_submitted"
	EventDisputeResolutionInitiated EventType = "dispute.resolution_initiated"
	EventDisputeResolved            EventType = "dispute.resolved"
	EventDisputeResolutionCancelled EventType = "dispute.resolution_cancelled"

	EventDepositCredited  EventType = "settlement.deposit_credited"
	EventWithdrawalSent   EventType = "settlement.withdrawal_sent"
	EventFundingSucceeded EventType = "funding.succeeded"
)

// AllEventTypes lists the full catalogue, used to validate webhook
// subscriptions.
var AllEventTypes = []EventType{
	EventTradeCreated, EventTradeAccepted, EventTradeFiatPaid,
	EventTradeFinalized, EventTradeCancelled, EventTradeDisputed,
	EventTradeTimedOut,
	EventEscrowLocked, EventEscrowReleased, EventEscrowRefunded,
	EventEscrowSplit, EventEscrowPenalized, EventEscrowFeePaid,
	EventEscrowTransferred,
	EventDisputeCreated, EventDisputeEvidenceSubmitted,
	EventDisputeResolutionInitiated, EventDisputeResolved,
	EventDisputeResolutionCancelled,
	EventDepositCredited, EventWithdrawalSent, EventFundingSucceeded,
}

// ValidEventType reports whether t is in the catalogue.
func ValidEventType(t EventType) bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one audit record. The store assigns ID on append.
type Event struct {
	ID        int64                  `json:"id"`
	Type      EventType              `json:"type"`
	TradeID   int64                  `json:"tradeId,omitempty"`
	DisputeID int64                  `json:"disputeId,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// partyKeys are the Data fields that name trade parties. A party filter
// matches the actor or any of these.
var partyKeys = []string{"maker", "taker", "from", "to"}

// Touches reports whether the event involves the given address.
func (e *Event) Touches(addr string) bool {
	if e.Actor == addr {
		return true
	}
	for _, k := range partyKeys {
		if v, ok := e.Data[k].(string); ok && v == addr {
			return true
		}
	}
	return false
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	Type    EventType
	TradeID int64
	Party   string
}

// Store persists the audit log.
type Store interface {
	// Append assigns the next id and records the event.
	Append(ctx context.Context, e *Event) error
	// List returns events newest first. beforeID = 0 starts from the
	// newest.
	List(ctx context.Context, f Filter, beforeID int64, limit int) ([]*Event, error)
}
