// Package meter is the single entry point for running a billable AI
// operation: it checks the operation ceiling and credit balance, runs the
// work, and settles usage, credits, and overage afterwards.
package meter

import (
	"context"
	"errors"
	"fmt"

	"github.com/leadflowhq/leadflow/internal/credit"
	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/overage"
	"github.com/leadflowhq/leadflow/internal/quota"
)

// ErrDenied wraps a failed pre-flight check; Result carries the detail.
var ErrDenied = errors.New("meter: operation denied")

// LimitChecker is the slice of the quota enforcer the meter needs.
type LimitChecker interface {
	CheckOperationLimit(ctx context.Context, tenantID string, op quota.OperationType, requested int64) (*quota.LimitResult, error)
	CheckCreditsAvailable(ctx context.Context, tenantID string, required int64) (*quota.LimitResult, error)
	RecordUsage(ctx context.Context, tenantID string, op quota.OperationType, count, credits int64) error
	Usage(ctx context.Context, tenantID string) (*quota.UsageSummary, error)
}

// CreditSpender is the slice of the credit service the meter needs.
type CreditSpender interface {
	Deduct(ctx context.Context, tenantID string, amount int64) error
	GetBalance(ctx context.Context, tenantID string) (*credit.Balance, error)
}

// OverageTracker is the slice of the overage service the meter needs.
type OverageTracker interface {
	Track(ctx context.Context, tenantID string, op quota.OperationType, creditsUsed, creditLimit int64) (*overage.Charge, error)
}

// Notifier receives settlement events for fan-out (webhooks, websockets).
type Notifier interface {
	CreditsExhausted(ctx context.Context, tenantID string, reason string)
	OverageRecorded(ctx context.Context, charge *overage.Charge)
	UsageRecorded(ctx context.Context, tenantID string, op quota.OperationType, credits int64)
}

// Result reports the outcome of a metered call.
type Result struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason,omitempty"`
	Limit       *quota.LimitResult `json:"limit,omitempty"`
	IsOverage   bool               `json:"isOverage,omitempty"`
	CreditsUsed int64              `json:"creditsUsed"`
}

// Meter coordinates pre-flight checks and post-run settlement around a
// billable operation.
type Meter struct {
	limits   LimitChecker
	credits  CreditSpender
	overage  OverageTracker
	notifier Notifier // optional
}

func New(limits LimitChecker, credits CreditSpender, overage OverageTracker, notifier Notifier) *Meter {
	return &Meter{
		limits:   limits,
		credits:  credits,
		overage:  overage,
		notifier: notifier,
	}
}

// Charge runs fn as a metered operation costing credits. Pre-flight failure
// returns ErrDenied with the result explaining why. When fn fails nothing is
// deducted or recorded; credits are only spent on success. Settlement errors
// after a successful fn are logged but not returned, the work already
// happened and the caller should see it.
func (m *Meter) Charge(ctx context.Context, tenantID string, op quota.OperationType, credits int64, fn func(ctx context.Context) error) (*Result, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}

	limitRes, err := m.limits.CheckOperationLimit(ctx, tenantID, op, 1)
	if err != nil {
		return nil, err
	}
	if !limitRes.Allowed {
		return &Result{Allowed: false, Reason: limitRes.Reason, Limit: limitRes}, ErrDenied
	}

	creditRes, err := m.limits.CheckCreditsAvailable(ctx, tenantID, credits)
	if err != nil {
		return nil, err
	}
	if !creditRes.Allowed {
		if m.notifier != nil {
			m.notifier.CreditsExhausted(ctx, tenantID, creditRes.Reason)
		}
		return &Result{Allowed: false, Reason: creditRes.Reason, Limit: creditRes}, ErrDenied
	}

	if err := fn(ctx); err != nil {
		return nil, err
	}

	isOverage := limitRes.IsOverage || creditRes.IsOverage
	m.settle(ctx, tenantID, op, credits, isOverage)

	return &Result{
		Allowed:     true,
		IsOverage:   isOverage,
		CreditsUsed: credits,
	}, nil
}

func (m *Meter) settle(ctx context.Context, tenantID string, op quota.OperationType, credits int64, isOverage bool) {
	log := logging.L(ctx)

	if err := m.credits.Deduct(ctx, tenantID, credits); err != nil {
		log.Error("credit deduction failed after successful operation",
			"tenant_id", tenantID, "operation", op, "credits", credits, "error", err)
	}
	if err := m.limits.RecordUsage(ctx, tenantID, op, 1, credits); err != nil {
		log.Error("usage recording failed after successful operation",
			"tenant_id", tenantID, "operation", op, "error", err)
	}
	if m.notifier != nil {
		m.notifier.UsageRecorded(ctx, tenantID, op, credits)
	}

	if !isOverage {
		return
	}

	balance, err := m.credits.GetBalance(ctx, tenantID)
	if err != nil {
		log.Error("balance read failed during overage settlement",
			"tenant_id", tenantID, "error", err)
		return
	}
	used, limit := balance.MonthlyUsed, balance.MonthlyAllocated
	if balance.LifetimeAllocated > 0 {
		used, limit = balance.LifetimeUsed, balance.LifetimeAllocated
	}
	charge, err := m.overage.Track(ctx, tenantID, op, used, limit)
	if err != nil {
		log.Error("overage tracking failed",
			"tenant_id", tenantID, "operation", op, "error", err)
		return
	}
	if charge != nil && m.notifier != nil {
		m.notifier.OverageRecorded(ctx, charge)
	}
}
