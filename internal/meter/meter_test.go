package meter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leadflowhq/leadflow/internal/credit"
	"github.com/leadflowhq/leadflow/internal/overage"
	"github.com/leadflowhq/leadflow/internal/quota"
)

// --- mocks ---

type mockLimits struct {
	mu            sync.Mutex
	limitRes      *quota.LimitResult
	creditRes     *quota.LimitResult
	recorded      []int64 // credits per RecordUsage call
	recordUsageOp quota.OperationType
}

func (m *mockLimits) CheckOperationLimit(ctx context.Context, tenantID string, op quota.OperationType, requested int64) (*quota.LimitResult, error) {
	return m.limitRes, nil
}

func (m *mockLimits) CheckCreditsAvailable(ctx context.Context, tenantID string, required int64) (*quota.LimitResult, error) {
	return m.creditRes, nil
}

func (m *mockLimits) RecordUsage(ctx context.Context, tenantID string, op quota.OperationType, count, credits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, credits)
	m.recordUsageOp = op
	return nil
}

func (m *mockLimits) Usage(ctx context.Context, tenantID string) (*quota.UsageSummary, error) {
	return &quota.UsageSummary{TenantID: tenantID}, nil
}

type mockCredits struct {
	mu       sync.Mutex
	deducted int64
	balance  *credit.Balance
}

func (m *mockCredits) Deduct(ctx context.Context, tenantID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deducted += amount
	return nil
}

func (m *mockCredits) GetBalance(ctx context.Context, tenantID string) (*credit.Balance, error) {
	return m.balance, nil
}

type mockOverage struct {
	mu         sync.Mutex
	calls      int
	used       int64
	limit      int64
	lastCharge *overage.Charge
}

func (m *mockOverage) Track(ctx context.Context, tenantID string, op quota.OperationType, creditsUsed, creditLimit int64) (*overage.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.used, m.limit = creditsUsed, creditLimit
	return m.lastCharge, nil
}

type mockNotifier struct {
	mu        sync.Mutex
	exhausted int
	overages  int
	usages    int
}

func (m *mockNotifier) CreditsExhausted(ctx context.Context, tenantID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted++
}

func (m *mockNotifier) OverageRecorded(ctx context.Context, c *overage.Charge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overages++
}

func (m *mockNotifier) UsageRecorded(ctx context.Context, tenantID string, op quota.OperationType, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usages++
}

func allowed() *quota.LimitResult { return &quota.LimitResult{Allowed: true} }

// --- charge flow ---

func TestCharge_SuccessSettles(t *testing.T) {
	limits := &mockLimits{limitRes: allowed(), creditRes: allowed()}
	credits := &mockCredits{}
	track := &mockOverage{}
	notifier := &mockNotifier{}
	m := New(limits, credits, track, notifier)

	ran := false
	res, err := m.Charge(context.Background(), "ten_1", quota.OpImageGeneration, 5, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}
	if !res.Allowed || res.IsOverage || res.CreditsUsed != 5 {
		t.Errorf("allowed=%v overage=%v credits=%d", res.Allowed, res.IsOverage, res.CreditsUsed)
	}
	if credits.deducted != 5 {
		t.Errorf("deducted = %d, want 5", credits.deducted)
	}
	if len(limits.recorded) != 1 || limits.recorded[0] != 5 {
		t.Errorf("recorded = %v, want [5]", limits.recorded)
	}
	if notifier.usages != 1 {
		t.Errorf("usage notifications = %d, want 1", notifier.usages)
	}
	if track.calls != 0 {
		t.Error("overage tracked on an in-limit operation")
	}
}

func TestCharge_FnFailureSettlesNothing(t *testing.T) {
	limits := &mockLimits{limitRes: allowed(), creditRes: allowed()}
	credits := &mockCredits{}
	m := New(limits, credits, &mockOverage{}, nil)

	boom := errors.New("model unavailable")
	_, err := m.Charge(context.Background(), "ten_1", quota.OpTextGeneration, 1, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the fn error", err)
	}
	if credits.deducted != 0 {
		t.Errorf("deducted = %d after failed fn", credits.deducted)
	}
	if len(limits.recorded) != 0 {
		t.Errorf("usage recorded after failed fn: %v", limits.recorded)
	}
}

func TestCharge_DeniedByOperationLimit(t *testing.T) {
	limits := &mockLimits{
		limitRes: &quota.LimitResult{Allowed: false, Reason: "monthly image_generation limit of 100 reached, upgrade your plan for more", UpgradeRequired: true},
	}
	m := New(limits, &mockCredits{}, &mockOverage{}, nil)

	res, err := m.Charge(context.Background(), "ten_1", quota.OpImageGeneration, 5, func(ctx context.Context) error {
		t.Fatal("fn ran despite denial")
		return nil
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if res.Allowed || res.Reason == "" {
		t.Errorf("allowed=%v reason=%q", res.Allowed, res.Reason)
	}
}

func TestCharge_DeniedByCredits_Notifies(t *testing.T) {
	limits := &mockLimits{
		limitRes:  allowed(),
		creditRes: &quota.LimitResult{Allowed: false, Reason: "monthly credits exhausted, resets next month"},
	}
	notifier := &mockNotifier{}
	m := New(limits, &mockCredits{}, &mockOverage{}, notifier)

	_, err := m.Charge(context.Background(), "ten_1", quota.OpTextGeneration, 1, func(ctx context.Context) error {
		t.Fatal("fn ran despite denial")
		return nil
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if notifier.exhausted != 1 {
		t.Errorf("exhausted notifications = %d, want 1", notifier.exhausted)
	}
}

func TestCharge_RejectsNonPositiveCredits(t *testing.T) {
	m := New(&mockLimits{}, &mockCredits{}, &mockOverage{}, nil)
	if _, err := m.Charge(context.Background(), "ten_1", quota.OpTextGeneration, 0, nil); err == nil {
		t.Error("zero-credit charge accepted")
	}
}

// --- overage settlement ---

func TestCharge_OverageTracksActivePool(t *testing.T) {
	limits := &mockLimits{
		limitRes:  allowed(),
		creditRes: &quota.LimitResult{Allowed: true, IsOverage: true},
	}
	credits := &mockCredits{balance: &credit.Balance{
		TenantID:         "ten_1",
		MonthlyAllocated: 2500,
		MonthlyUsed:      2510, // settlement reads the post-deduction balance
	}}
	track := &mockOverage{lastCharge: &overage.Charge{ID: "ten_1_2026-08", CreditsOverLimit: 10}}
	notifier := &mockNotifier{}
	m := New(limits, credits, track, notifier)

	res, err := m.Charge(context.Background(), "ten_1", quota.OpVideoGeneration, 25, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !res.IsOverage {
		t.Error("result does not flag overage")
	}
	if track.calls != 1 {
		t.Fatalf("overage track calls = %d, want 1", track.calls)
	}
	if track.used != 2510 || track.limit != 2500 {
		t.Errorf("tracked used=%d limit=%d, want 2510/2500", track.used, track.limit)
	}
	if notifier.overages != 1 {
		t.Errorf("overage notifications = %d, want 1", notifier.overages)
	}
}

func TestCharge_OverageUsesLifetimePoolWhenAllocated(t *testing.T) {
	limits := &mockLimits{
		limitRes:  &quota.LimitResult{Allowed: true, IsOverage: true},
		creditRes: allowed(),
	}
	credits := &mockCredits{balance: &credit.Balance{
		TenantID:          "ten_1",
		LifetimeAllocated: 50,
		LifetimeUsed:      55,
		MonthlyAllocated:  0,
	}}
	track := &mockOverage{}
	m := New(limits, credits, track, nil)

	if _, err := m.Charge(context.Background(), "ten_1", quota.OpImageGeneration, 5, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if track.used != 55 || track.limit != 50 {
		t.Errorf("tracked used=%d limit=%d, want 55/50", track.used, track.limit)
	}
}

func TestCharge_NilChargeSkipsOverageNotification(t *testing.T) {
	limits := &mockLimits{
		limitRes:  allowed(),
		creditRes: &quota.LimitResult{Allowed: true, IsOverage: true},
	}
	credits := &mockCredits{balance: &credit.Balance{TenantID: "ten_1", MonthlyAllocated: 100, MonthlyUsed: 90}}
	notifier := &mockNotifier{}
	m := New(limits, credits, &mockOverage{}, notifier) // Track returns nil charge

	if _, err := m.Charge(context.Background(), "ten_1", quota.OpTextGeneration, 1, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if notifier.overages != 0 {
		t.Errorf("overage notifications = %d, want 0 for a nil charge", notifier.overages)
	}
}
