package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/metrics"
	"github.com/leadflowhq/leadflow/internal/tenant"
)

// TenantReader is the slice of the tenant registry the service needs.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Notifier receives reset events for fan-out (webhooks, websockets).
type Notifier interface {
	CreditsReset(ctx context.Context, tenantID, month string)
}

// Service manages tenant credit balances.
type Service struct {
	store    Store
	tenants  TenantReader
	notifier Notifier         // optional
	now      func() time.Time // for tests
}

func NewService(store Store, tenants TenantReader) *Service {
	return &Service{
		store:   store,
		tenants: tenants,
		now:     time.Now,
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

// GetBalance returns the tenant's balance, creating it on first access and
// self-healing its allocations against the tenant's current plan. Used
// counters are never touched by the sync.
func (s *Service) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, ErrTenantNotFound
	}
	cfg := tenant.ConfigForPlan(t.Plan)

	b, err := s.store.Get(ctx, tenantID)
	if err == ErrBalanceNotFound {
		b = &Balance{
			TenantID:          tenantID,
			LifetimeAllocated: cfg.AILifetimeCredits,
			MonthlyAllocated:  cfg.MonthlyCredits(),
			CurrentMonth:      s.month(),
			LastResetAt:       s.now().UTC(),
			CreatedAt:         s.now().UTC(),
			UpdatedAt:         s.now().UTC(),
		}
		if err := s.store.Create(ctx, b); err != nil {
			return nil, fmt.Errorf("create balance: %w", err)
		}
		logging.L(ctx).Info("credit balance initialized",
			"tenant_id", tenantID,
			"plan", t.Plan,
			"lifetime", b.LifetimeAllocated,
			"monthly", b.MonthlyAllocated)
		return b, nil
	}
	if err != nil {
		return nil, err
	}

	if b.LifetimeAllocated != cfg.AILifetimeCredits || b.MonthlyAllocated != cfg.MonthlyCredits() {
		if err := s.store.SetAllocations(ctx, tenantID, cfg.AILifetimeCredits, cfg.MonthlyCredits()); err != nil {
			return nil, fmt.Errorf("sync allocations: %w", err)
		}
		logging.L(ctx).Info("credit allocations synced to plan",
			"tenant_id", tenantID,
			"plan", t.Plan,
			"lifetime", cfg.AILifetimeCredits,
			"monthly", cfg.MonthlyCredits())
		b.LifetimeAllocated = cfg.AILifetimeCredits
		b.MonthlyAllocated = cfg.MonthlyCredits()
	}
	return b, nil
}

// HasCredits reports whether the tenant can spend required credits right now.
// BYOK tenants are always allowed. A stale balance is rolled over to the
// current month before the check.
func (s *Service) HasCredits(ctx context.Context, tenantID string, required int64) (*Availability, error) {
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, ErrTenantNotFound
	}
	if t.BYOK() {
		metrics.RecordCreditCheck("byok")
		return &Availability{Available: true, Unlimited: true}, nil
	}

	b, err := s.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if month := s.month(); b.CurrentMonth != month {
		if err := s.store.ResetMonthly(ctx, tenantID, month, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("month rollover: %w", err)
		}
		logging.L(ctx).Info("monthly credits reset on access",
			"tenant_id", tenantID,
			"from", b.CurrentMonth,
			"to", month)
		if s.notifier != nil {
			s.notifier.CreditsReset(ctx, tenantID, month)
		}
		b.MonthlyUsed = 0
		b.CurrentMonth = month
	}

	av := &Availability{
		LifetimeRemaining: b.LifetimeRemaining(),
		LifetimeAllocated: b.LifetimeAllocated,
		MonthlyRemaining:  b.MonthlyRemaining(),
		MonthlyAllocated:  b.MonthlyAllocated,
	}

	// A nonzero lifetime allocation marks a free-tier tenant; it is the only
	// pool consulted until the plan drops the lifetime grant.
	if b.LifetimeAllocated > 0 {
		if b.LifetimeUsed+required > b.LifetimeAllocated {
			av.Reason = "all free credits used, upgrade to a paid plan to continue"
			metrics.RecordCreditCheck("denied")
			return av, nil
		}
		av.Available = true
		metrics.RecordCreditCheck("allowed")
		return av, nil
	}

	if b.MonthlyUsed+required > b.MonthlyAllocated {
		av.Reason = "monthly credits exhausted, resets next month"
		metrics.RecordCreditCheck("denied")
		return av, nil
	}
	av.Available = true
	metrics.RecordCreditCheck("allowed")
	return av, nil
}

// Deduct spends credits from the active pool. BYOK tenants are a no-op.
// Callers should have verified availability first; Deduct does not re-check
// and may drive a used counter past its allocation under races, which the
// next HasCredits call reports as exhausted.
func (s *Service) Deduct(ctx context.Context, tenantID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deduct amount must be positive, got %d", amount)
	}
	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return ErrTenantNotFound
	}
	if t.BYOK() {
		return nil
	}

	b, err := s.GetBalance(ctx, tenantID)
	if err != nil {
		return err
	}

	if b.LifetimeAllocated > 0 {
		if err := s.store.IncrementLifetimeUsed(ctx, tenantID, amount); err != nil {
			return fmt.Errorf("deduct lifetime: %w", err)
		}
	} else {
		if err := s.store.IncrementMonthlyUsed(ctx, tenantID, amount); err != nil {
			return fmt.Errorf("deduct monthly: %w", err)
		}
	}
	metrics.RecordCreditsDeducted(amount)
	return nil
}

// AddBonus grants extra credits to one pool, on top of the plan allocation.
// Note the next GetBalance sync snaps allocations back to the plan config, so
// bonuses are effectively consumed-first promotional credit.
func (s *Service) AddBonus(ctx context.Context, tenantID string, pool Pool, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("bonus amount must be positive, got %d", amount)
	}
	if pool != PoolLifetime && pool != PoolMonthly {
		return nil, fmt.Errorf("unknown credit pool %q", pool)
	}
	if _, err := s.GetBalance(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.store.AddAllocation(ctx, tenantID, pool, amount); err != nil {
		return nil, fmt.Errorf("add bonus: %w", err)
	}
	logging.L(ctx).Info("bonus credits granted",
		"tenant_id", tenantID,
		"pool", pool,
		"amount", amount)
	return s.store.Get(ctx, tenantID)
}

// ResetMonthly forces a monthly reset for one tenant regardless of month.
func (s *Service) ResetMonthly(ctx context.Context, tenantID string) error {
	if _, err := s.GetBalance(ctx, tenantID); err != nil {
		return err
	}
	month := s.month()
	if err := s.store.ResetMonthly(ctx, tenantID, month, s.now().UTC()); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.CreditsReset(ctx, tenantID, month)
	}
	return nil
}

// SweepStale resets every balance still stamped with a previous month.
// Returns the number of balances reset. Failed rows stay stale and are
// re-listed on the next pass, so an iteration that resets nothing ends the
// sweep; otherwise a batch of persistently failing rows would spin forever.
func (s *Service) SweepStale(ctx context.Context, batchSize int) (int, error) {
	month := s.month()
	reset := 0
	for {
		stale, err := s.store.ListStale(ctx, month, batchSize)
		if err != nil {
			return reset, err
		}
		if len(stale) == 0 {
			return reset, nil
		}
		progressed := 0
		for _, b := range stale {
			if err := s.store.ResetMonthly(ctx, b.TenantID, month, s.now().UTC()); err != nil {
				logging.L(ctx).Error("stale balance reset failed",
					"tenant_id", b.TenantID, "error", err)
				continue
			}
			if s.notifier != nil {
				s.notifier.CreditsReset(ctx, b.TenantID, month)
			}
			reset++
			progressed++
		}
		if progressed == 0 {
			return reset, errSweepStalled
		}
		if len(stale) < batchSize {
			return reset, nil
		}
	}
}
