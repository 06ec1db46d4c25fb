package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peertrade",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of events emitted by type",
		},
		[]string{"type"},
	)

	eventEmitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peertrade",
			Subsystem: "events",
			Name:      "emit_failures_total",
			Help:      "Total number of event emit failures by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(eventsEmitted)
	prometheus.MustRegister(eventEmitFailures)
}

// Emitter records events and fans them out to websocket clients and
// webhook subscribers. Emission is fire-and-forget: a failure to
// record or deliver never fails the operation that produced the event.
//
// A nil *Emitter is valid and drops everything, so services can run
// without the event pipeline wired up.
type Emitter struct {
	store      Store
	hub        *Hub
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewEmitter creates an emitter. hub and dispatcher may be nil, in
// which case the corresponding fan-out is skipped.
func NewEmitter(store Store, hub *Hub, dispatcher *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Emit records an event and fans it out. tradeID and disputeID are
// zero when the event is not tied to a trade or dispute.
func (e *Emitter) Emit(ctx context.Context, typ EventType, tradeID, disputeID int64, actor string, data map[string]interface{}) {
	if e == nil {
		return
	}

	event := &Event{
		Type:      typ,
		TradeID:   tradeID,
		DisputeID: disputeID,
		Actor:     actor,
		Data:      data,
		CreatedAt: time.Now(),
	}

	if err := e.store.Append(ctx, event); err != nil {
		eventEmitFailures.WithLabelValues(string(typ)).Inc()
		e.logger.Error("failed to record event", "type", typ, "tradeId", tradeID, "error", err)
	} else {
		eventsEmitted.WithLabelValues(string(typ)).Inc()
	}

	if e.hub != nil {
		e.hub.Broadcast(event)
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, event); err != nil {
			e.logger.Warn("webhook dispatch failed", "type", typ, "tradeId", tradeID, "error", err)
		}
	}
}

// EmitTrade emits a trade lifecycle event.
func (e *Emitter) EmitTrade(ctx context.Context, typ EventType, tradeID int64, actor string, data map[string]interface{}) {
	e.Emit(ctx, typ, tradeID, 0, actor, data)
}

// EmitDispute emits a dispute lifecycle event.
func (e *Emitter) EmitDispute(ctx context.Context, typ EventType, tradeID, disputeID int64, actor string, data map[string]interface{}) {
	e.Emit(ctx, typ, tradeID, disputeID, actor, data)
}
