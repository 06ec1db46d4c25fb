package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Timer runs reconciliation sweeps on an interval.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	rep, err := t.service.Run(ctx)
	if err != nil {
		t.logger.Warn("reconciliation sweep failed", "error", err)
		return
	}
	if !rep.Clean() {
		t.logger.Warn("reconciliation sweep found drift",
			"match", rep.Match, "broken", len(rep.Broken), "skipped", rep.Skipped)
	}
}
