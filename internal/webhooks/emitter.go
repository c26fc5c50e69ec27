package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leadflowhq/leadflow/internal/idgen"
	"github.com/leadflowhq/leadflow/internal/overage"
	"github.com/leadflowhq/leadflow/internal/quota"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadflow",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadflow",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(tenantID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToTenant(ctx, tenantID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "tenant", tenantID, "error", err)
	}
}

// CreditsExhausted emits a credits.exhausted event.
func (e *Emitter) CreditsExhausted(ctx context.Context, tenantID string, reason string) {
	e.emit(tenantID, EventCreditsExhausted, map[string]interface{}{
		"tenantId": tenantID,
		"reason":   reason,
	})
}

// CreditsReset emits a credits.reset event.
func (e *Emitter) CreditsReset(ctx context.Context, tenantID, month string) {
	e.emit(tenantID, EventCreditsReset, map[string]interface{}{
		"tenantId": tenantID,
		"month":    month,
	})
}

// UsageRecorded emits a usage.recorded event.
func (e *Emitter) UsageRecorded(ctx context.Context, tenantID string, op quota.OperationType, credits int64) {
	e.emit(tenantID, EventUsageRecorded, map[string]interface{}{
		"tenantId":  tenantID,
		"operation": string(op),
		"credits":   credits,
	})
}

// OverageRecorded emits an overage.recorded event.
func (e *Emitter) OverageRecorded(ctx context.Context, charge *overage.Charge) {
	e.emit(charge.TenantID, EventOverageRecorded, map[string]interface{}{
		"chargeId":         charge.ID,
		"tenantId":         charge.TenantID,
		"month":            charge.Month,
		"creditsOverLimit": charge.CreditsOverLimit,
		"chargeUsd":        charge.ChargeUSD,
	})
}

// OverageInvoiced emits an overage.invoiced event.
func (e *Emitter) OverageInvoiced(ctx context.Context, charge *overage.Charge) {
	e.emit(charge.TenantID, EventOverageInvoiced, map[string]interface{}{
		"chargeId":        charge.ID,
		"tenantId":        charge.TenantID,
		"month":           charge.Month,
		"chargeUsd":       charge.ChargeUSD,
		"stripeInvoiceId": charge.StripeInvoiceID,
	})
}

// OveragePaid emits an overage.paid event.
func (e *Emitter) OveragePaid(ctx context.Context, charge *overage.Charge) {
	e.emit(charge.TenantID, EventOveragePaid, map[string]interface{}{
		"chargeId":  charge.ID,
		"tenantId":  charge.TenantID,
		"month":     charge.Month,
		"chargeUsd": charge.ChargeUSD,
	})
}

// OverageWaived emits an overage.waived event.
func (e *Emitter) OverageWaived(ctx context.Context, charge *overage.Charge) {
	e.emit(charge.TenantID, EventOverageWaived, map[string]interface{}{
		"chargeId": charge.ID,
		"tenantId": charge.TenantID,
		"month":    charge.Month,
		"reason":   charge.WaivedReason,
	})
}
