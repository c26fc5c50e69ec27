package credit

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps balances left in a previous month. The lazy
// rollover in HasCredits handles active tenants; the sweep catches idle ones
// so dashboards show fresh numbers.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new monthly-rollover sweep timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 1 * time.Hour,
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
	count, err := t.service.SweepStale(ctx, 100)
	if err != nil {
		t.logger.Warn("stale balance sweep failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("monthly credit balances reset", "count", count)
	}
}
