package overage

import (
	"context"
	"fmt"
	"time"

	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/metrics"
	"github.com/leadflowhq/leadflow/internal/quota"
	"github.com/leadflowhq/leadflow/internal/tenant"
)

// TenantReader is the slice of the tenant registry the service needs.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Invoicer drafts external invoices for overage charges.
type Invoicer interface {
	// CreateInvoice drafts an invoice and returns its external ID.
	CreateInvoice(ctx context.Context, t *tenant.Tenant, c *Charge) (string, error)
}

// Notifier receives billing lifecycle events for fan-out (webhooks,
// websockets).
type Notifier interface {
	OverageInvoiced(ctx context.Context, c *Charge)
	OveragePaid(ctx context.Context, c *Charge)
	OverageWaived(ctx context.Context, c *Charge)
}

// Service records overage and drives billing status transitions.
type Service struct {
	store    Store
	tenants  TenantReader
	invoicer Invoicer // nil disables invoicing
	notifier Notifier // optional
	now      func() time.Time
}

func NewService(store Store, tenants TenantReader, invoicer Invoicer) *Service {
	return &Service{
		store:    store,
		tenants:  tenants,
		invoicer: invoicer,
		now:      time.Now,
	}
}

// WithNotifier attaches an event notifier and returns the service.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) month() string {
	return s.now().UTC().Format("2006-01")
}

// Track reconciles the month's cumulative credit usage against the limit and
// books any newly crossed credits onto the charge. creditsUsed is the running
// monthly total, not a delta; Track computes the delta itself by comparing
// against what the charge already holds, so replays and out-of-order calls
// never double-bill. Usage at or under the limit is a no-op.
func (s *Service) Track(ctx context.Context, tenantID string, op quota.OperationType, creditsUsed, creditLimit int64) (*Charge, error) {
	over := creditsUsed - creditLimit
	if over <= 0 {
		return nil, nil
	}

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cfg := tenant.ConfigForPlan(t.Plan)
	if !cfg.AllowOverage {
		return nil, fmt.Errorf("plan %s does not allow overage", t.Plan)
	}

	month := s.month()
	existing, err := s.store.Get(ctx, tenantID, month)
	if err == ErrChargeNotFound {
		c := &Charge{
			ID:               ChargeID(tenantID, month),
			TenantID:         tenantID,
			Month:            month,
			CreditsOverLimit: over,
			ChargeUSD:        float64(over) * cfg.OveragePriceUSD,
			Status:           StatusPending,
			CreatedAt:        s.now().UTC(),
			UpdatedAt:        s.now().UTC(),
		}
		setOpBreakdown(c, op, over)
		if err := s.store.Create(ctx, c); err != nil {
			return nil, fmt.Errorf("create overage charge: %w", err)
		}
		metrics.RecordOverageEvent("recorded")
		logging.L(ctx).Info("overage charge opened",
			"tenant_id", tenantID,
			"month", month,
			"credits_over", over,
			"charge_usd", c.ChargeUSD)
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	additional := over - existing.CreditsOverLimit
	if additional <= 0 {
		return existing, nil
	}

	usd := float64(additional) * cfg.OveragePriceUSD
	if err := s.store.AddOverage(ctx, existing.ID, op, additional, usd); err != nil {
		return nil, fmt.Errorf("accumulate overage: %w", err)
	}
	metrics.RecordOverageEvent("recorded")
	logging.L(ctx).Info("overage charge accumulated",
		"tenant_id", tenantID,
		"month", month,
		"additional_credits", additional,
		"additional_usd", usd)
	return s.store.Get(ctx, tenantID, month)
}

// Invoice drafts an external invoice for a pending charge and marks it
// invoiced. Without a configured invoicer the charge is marked invoiced with
// no external ID, which keeps demo mode usable.
func (s *Service) Invoice(ctx context.Context, id string) (*Charge, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(c.Status, StatusInvoiced); err != nil {
		return nil, err
	}

	invoiceID := ""
	if s.invoicer != nil {
		t, err := s.tenants.Get(ctx, c.TenantID)
		if err != nil {
			return nil, err
		}
		invoiceID, err = s.invoicer.CreateInvoice(ctx, t, c)
		if err != nil {
			return nil, fmt.Errorf("draft invoice: %w", err)
		}
	}

	if err := s.store.Transition(ctx, id, StatusInvoiced, allowedFrom[StatusInvoiced], invoiceID); err != nil {
		return nil, err
	}
	metrics.RecordOverageEvent("invoiced")
	metrics.OverageChargeUSD.Observe(c.ChargeUSD)
	logging.L(ctx).Info("overage charge invoiced",
		"charge_id", id,
		"stripe_invoice_id", invoiceID,
		"charge_usd", c.ChargeUSD)
	out, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.OverageInvoiced(ctx, out)
	}
	return out, nil
}

// MarkPaid records payment of an invoiced charge.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Charge, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(c.Status, StatusPaid); err != nil {
		return nil, err
	}
	if err := s.store.Transition(ctx, id, StatusPaid, allowedFrom[StatusPaid], ""); err != nil {
		return nil, err
	}
	metrics.RecordOverageEvent("paid")
	out, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.OveragePaid(ctx, out)
	}
	return out, nil
}

// Waive forgives a pending or invoiced charge, recording the administrator's
// reason on the charge.
func (s *Service) Waive(ctx context.Context, id, reason string) (*Charge, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(c.Status, StatusWaived); err != nil {
		return nil, err
	}
	if err := s.store.Transition(ctx, id, StatusWaived, allowedFrom[StatusWaived], reason); err != nil {
		return nil, err
	}
	metrics.RecordOverageEvent("waived")
	logging.L(ctx).Info("overage charge waived", "charge_id", id, "reason", reason)
	out, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.OverageWaived(ctx, out)
	}
	return out, nil
}

// GetCharge returns the tenant's charge for the current month, or
// ErrChargeNotFound when the tenant never crossed the limit.
func (s *Service) GetCharge(ctx context.Context, tenantID string) (*Charge, error) {
	return s.store.Get(ctx, tenantID, s.month())
}

// ListByStatus pages through a month's charges in one status.
func (s *Service) ListByStatus(ctx context.Context, month string, status BillingStatus, afterCreatedAt time.Time, afterID string, limit int) ([]*Charge, error) {
	if month == "" {
		month = s.month()
	}
	return s.store.ListByStatus(ctx, month, status, afterCreatedAt, afterID, limit)
}

// InvoicePending drafts invoices for every pending charge of the given
// month. Individual failures are logged and skipped so one bad tenant does
// not block the billing run. Returns the number of charges invoiced.
func (s *Service) InvoicePending(ctx context.Context, month string) (int, error) {
	if month == "" {
		month = previousMonth(s.now())
	}
	invoiced := 0
	var afterCreatedAt time.Time
	afterID := ""
	const batch = 50
	for {
		charges, err := s.store.ListByStatus(ctx, month, StatusPending, afterCreatedAt, afterID, batch)
		if err != nil {
			return invoiced, err
		}
		if len(charges) > batch {
			charges = charges[:batch]
		}
		for _, c := range charges {
			if _, err := s.Invoice(ctx, c.ID); err != nil {
				logging.L(ctx).Error("overage invoicing failed",
					"charge_id", c.ID, "error", err)
				continue
			}
			invoiced++
		}
		if len(charges) < batch {
			return invoiced, nil
		}
		last := charges[len(charges)-1]
		afterCreatedAt, afterID = last.CreatedAt, last.ID
	}
}

// previousMonth steps back from the first of the current month. Stepping
// back from the current day would normalize month-end days forward (Mar 31
// minus one month lands in March again) and bill the wrong month.
func previousMonth(now time.Time) string {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0).Format("2006-01")
}

func setOpBreakdown(c *Charge, op quota.OperationType, credits int64) {
	switch op {
	case quota.OpImageGeneration:
		c.ImagesOver += credits
	case quota.OpTextGeneration:
		c.TextOver += credits
	case quota.OpTextToSpeech:
		c.TTSOver += credits
	case quota.OpVideoGeneration:
		c.VideosOver += credits
	}
}
