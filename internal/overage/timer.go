package overage

import (
	"context"
	"log/slog"
	"time"
)

// Timer drafts invoices for the previous month's pending charges once per
// billing cycle, on the configured day of month.
type Timer struct {
	service    *Service
	invoiceDay int
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}

	lastRun string // "YYYY-MM" of the last completed billing run
}

// NewTimer creates a new overage billing timer. invoiceDay is the day of
// month (1-28) invoices are drafted on.
func NewTimer(service *Service, invoiceDay int, logger *slog.Logger) *Timer {
	return &Timer{
		service:    service,
		invoiceDay: invoiceDay,
		interval:   1 * time.Hour,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Start begins the billing loop. Call in a goroutine.
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
			t.maybeRun(ctx)
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

func (t *Timer) maybeRun(ctx context.Context) {
	now := time.Now().UTC()
	if now.Day() < t.invoiceDay {
		return
	}
	month := now.Format("2006-01")
	if t.lastRun == month {
		return
	}

	billed := previousMonth(now)
	count, err := t.service.InvoicePending(ctx, billed)
	if err != nil {
		t.logger.Error("overage billing run failed", "month", billed, "error", err)
		return
	}
	t.lastRun = month
	if count > 0 {
		t.logger.Info("overage billing run completed", "month", billed, "invoiced", count)
	}
}
