package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/leadflowhq/leadflow/internal/credit"
	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/metrics"
	"github.com/leadflowhq/leadflow/internal/tenant"
)

// TenantReader is the slice of the tenant registry the enforcer needs.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// CreditChecker is the slice of the credit service the enforcer needs.
type CreditChecker interface {
	HasCredits(ctx context.Context, tenantID string, required int64) (*credit.Availability, error)
}

// Enforcer checks per-operation ceilings and records completed usage.
type Enforcer struct {
	usage   UsageStore
	quotas  QuotaStore
	tenants TenantReader
	credits CreditChecker
	now     func() time.Time
}

func NewEnforcer(usage UsageStore, quotas QuotaStore, tenants TenantReader, credits CreditChecker) *Enforcer {
	return &Enforcer{
		usage:   usage,
		quotas:  quotas,
		tenants: tenants,
		credits: credits,
		now:     time.Now,
	}
}

func (e *Enforcer) month() string {
	return e.now().UTC().Format("2006-01")
}

// ceilingFor maps an operation to its plan ceiling. Zero means no ceiling.
func ceilingFor(cfg tenant.PlanConfig, op OperationType) int64 {
	switch op {
	case OpImageGeneration:
		return cfg.MaxImagesPerMonth
	case OpTextGeneration:
		return cfg.MaxTextPerMonth
	case OpTextToSpeech:
		return cfg.MaxTTSPerMonth
	case OpVideoGeneration:
		return cfg.MaxVideosPerMonth
	}
	return 0
}

// CheckOperationLimit decides whether the tenant may run requested more units
// of op this month. BYOK tenants bypass ceilings entirely. Plans with
// AllowOverage turn a would-be denial into an allowed overage with the excess
// reported in Overage.
func (e *Enforcer) CheckOperationLimit(ctx context.Context, tenantID string, op OperationType, requested int64) (*LimitResult, error) {
	if requested <= 0 {
		return nil, fmt.Errorf("requested must be positive, got %d", requested)
	}

	t, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.BYOK() {
		metrics.RecordQuotaCheck(string(op), "byok")
		return &LimitResult{Allowed: true}, nil
	}

	cfg := tenant.ConfigForPlan(t.Plan)
	limit := ceilingFor(cfg, op)
	if limit == 0 {
		metrics.RecordQuotaCheck(string(op), "allowed")
		return &LimitResult{Allowed: true}, nil
	}

	current := int64(0)
	summary, err := e.usage.Get(ctx, tenantID, e.month())
	if err != nil && err != ErrUsageNotFound {
		return nil, err
	}
	if summary != nil {
		current = summary.Count(op)
	}

	res := &LimitResult{Limit: &limit}
	if current+requested <= limit {
		res.Allowed = true
		// Remaining reports headroom before this request runs; the request
		// itself lands in the counters via RecordUsage once it completes.
		res.Remaining = limit - current
		metrics.RecordQuotaCheck(string(op), "allowed")
		return res, nil
	}

	if cfg.AllowOverage {
		res.Allowed = true
		res.IsOverage = true
		res.Remaining = 0
		res.Overage = current + requested - limit
		if res.Overage < 0 {
			res.Overage = 0
		}
		metrics.RecordQuotaCheck(string(op), "overage")
		logging.L(ctx).Info("operation allowed as overage",
			"tenant_id", tenantID,
			"operation", op,
			"limit", limit,
			"overage", res.Overage)
		return res, nil
	}

	res.Reason = fmt.Sprintf("monthly %s limit of %d reached, upgrade your plan for more", op, limit)
	res.UpgradeRequired = true
	metrics.RecordQuotaCheck(string(op), "denied")
	return res, nil
}

// CheckCreditsAvailable adapts the dual-pool credit check into a limit
// result. The remaining figure prefers the monthly pool when the tenant has
// one, matching what dashboards show paid tenants.
func (e *Enforcer) CheckCreditsAvailable(ctx context.Context, tenantID string, required int64) (*LimitResult, error) {
	av, err := e.credits.HasCredits(ctx, tenantID, required)
	if err != nil {
		return nil, err
	}
	if av.Unlimited {
		return &LimitResult{Allowed: true}, nil
	}

	remaining := av.MonthlyRemaining
	limit := av.MonthlyAllocated
	if av.LifetimeAllocated > 0 {
		remaining = av.LifetimeRemaining
		limit = av.LifetimeAllocated
	}

	res := &LimitResult{
		Allowed:   av.Available,
		Remaining: remaining,
		Limit:     &limit,
	}
	if av.Available {
		return res, nil
	}

	// Soft limit: plans that allow overage keep serving past exhausted
	// credits and the excess is billed by the overage recorder.
	t, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.ConfigForPlan(t.Plan).AllowOverage {
		res.Allowed = true
		res.IsOverage = true
		res.Remaining = 0
		metrics.RecordQuotaCheck("credits", "overage")
		return res, nil
	}

	res.Reason = av.Reason
	res.UpgradeRequired = av.LifetimeAllocated > 0
	return res, nil
}

// RecordUsage bumps the usage counters for a completed operation and mirrors
// the credit spend into the legacy quota row that dashboards still read.
func (e *Enforcer) RecordUsage(ctx context.Context, tenantID string, op OperationType, count, credits int64) error {
	month := e.month()
	if err := e.usage.Increment(ctx, tenantID, month, op, count, credits); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	t, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	cfg := tenant.ConfigForPlan(t.Plan)
	// The legacy row folds both pools into one limit figure. Its numbers can
	// disagree with the dual-pool balance; only dashboard aggregation reads it.
	legacyLimit := cfg.AILifetimeCredits
	if legacyLimit == 0 {
		legacyLimit = cfg.MonthlyCredits()
	}
	if err := e.quotas.Upsert(ctx, tenantID, month, legacyLimit, credits); err != nil {
		logging.L(ctx).Warn("legacy quota row update failed",
			"tenant_id", tenantID, "error", err)
	}

	metrics.RecordUsage(string(op))
	return nil
}

// Usage returns the tenant's usage summary for the current month. A missing
// row reads as all zeros.
func (e *Enforcer) Usage(ctx context.Context, tenantID string) (*UsageSummary, error) {
	summary, err := e.usage.Get(ctx, tenantID, e.month())
	if err == ErrUsageNotFound {
		return &UsageSummary{TenantID: tenantID, Month: e.month()}, nil
	}
	return summary, err
}

// RemainingOperations aggregates the dashboard's {used, limit, remaining}
// triples for credits and each metered operation. The credits triple reads
// the legacy single-pool quota row rather than the dual-pool balance, so its
// figures can lag enforcement; dashboards accept that.
func (e *Enforcer) RemainingOperations(ctx context.Context, tenantID string) (*RemainingOperations, error) {
	t, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cfg := tenant.ConfigForPlan(t.Plan)

	summary, err := e.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q, err := e.DashboardQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &RemainingOperations{
		Credits: dimensionFor(q.CreditsUsed, q.CreditsLimit),
		Images:  dimensionFor(summary.ImagesGenerated, cfg.MaxImagesPerMonth),
		Text:    dimensionFor(summary.TextGenerated, cfg.MaxTextPerMonth),
		TTS:     dimensionFor(summary.TTSGenerated, cfg.MaxTTSPerMonth),
	}, nil
}

func dimensionFor(used, limit int64) Dimension {
	d := Dimension{Used: used}
	if limit <= 0 {
		return d
	}
	d.Limit = &limit
	if r := limit - used; r > 0 {
		d.Remaining = r
	}
	return d
}

// DashboardQuota returns the legacy single-pool quota view for dashboards.
func (e *Enforcer) DashboardQuota(ctx context.Context, tenantID string) (*Quota, error) {
	q, err := e.quotas.Get(ctx, tenantID, e.month())
	if err == ErrQuotaNotFound {
		t, terr := e.tenants.Get(ctx, tenantID)
		if terr != nil {
			return nil, terr
		}
		cfg := tenant.ConfigForPlan(t.Plan)
		limit := cfg.AILifetimeCredits
		if limit == 0 {
			limit = cfg.MonthlyCredits()
		}
		return &Quota{TenantID: tenantID, Month: e.month(), CreditsLimit: limit}, nil
	}
	return q, err
}
