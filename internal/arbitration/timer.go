package arbitration

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically executes timelocked resolutions whose delay has
// elapsed. The timelock is polled; nothing fires at the deadline by
// itself.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new resolution poll timer.
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
			t.resolveDue(ctx)
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

func (t *Timer) resolveDue(ctx context.Context) {
	count, err := t.service.ResolveDue(ctx)
	if err != nil {
		t.logger.Warn("failed to poll due resolutions", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("timelocked resolutions executed", "count", count)
	}
}
