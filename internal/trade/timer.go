package trade

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically expires trades whose timeout window has elapsed.
// Expiry is polled; a trade past its deadline stays put until the
// next sweep or an explicit timeout call.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new expiry poll timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the poll loop. Call in a goroutine.
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
			t.expireDue(ctx)
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

func (t *Timer) expireDue(ctx context.Context) {
	count, err := t.service.TimeoutDue(ctx)
	if err != nil {
		t.logger.Warn("failed to poll expired trades", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("overdue trades timed out", "count", count)
	}
}
