package overage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leadflowhq/leadflow/internal/quota"
	"github.com/leadflowhq/leadflow/internal/tenant"
)

// --- mocks ---

type mockTenants struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

func newMockTenants(ts ...*tenant.Tenant) *mockTenants {
	m := &mockTenants{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range ts {
		m.tenants[t.ID] = t
	}
	return m
}

func (m *mockTenants) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return t, nil
}

type mockInvoicer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockInvoicer) CreateInvoice(ctx context.Context, t *tenant.Tenant, c *Charge) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "in_test123", nil
}

type mockNotifier struct {
	mu       sync.Mutex
	invoiced int
	paid     int
	waived   int
}

func (m *mockNotifier) OverageInvoiced(ctx context.Context, c *Charge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoiced++
}

func (m *mockNotifier) OveragePaid(ctx context.Context, c *Charge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid++
}

func (m *mockNotifier) OverageWaived(ctx context.Context, c *Charge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waived++
}

func growthTenant(id string) *tenant.Tenant {
	return &tenant.Tenant{ID: id, Plan: tenant.PlanGrowth, Status: tenant.StatusActive}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// --- tracking ---

func TestTrack_OpensAndAccumulates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil)

	// 110 of 100 used: 10 credits over at $0.01 each.
	c, err := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if c.CreditsOverLimit != 10 || !approxEqual(c.ChargeUSD, 0.10) {
		t.Errorf("credits=%d usd=%f, want 10/0.10", c.CreditsOverLimit, c.ChargeUSD)
	}
	if c.Status != StatusPending {
		t.Errorf("status = %s, want pending", c.Status)
	}
	if c.ImagesOver != 10 {
		t.Errorf("images over = %d, want 10", c.ImagesOver)
	}

	// Cumulative usage climbed to 125: only the 15 new credits are billed.
	c, err = svc.Track(ctx, "ten_1", quota.OpTextGeneration, 125, 100)
	if err != nil {
		t.Fatal(err)
	}
	if c.CreditsOverLimit != 25 || !approxEqual(c.ChargeUSD, 0.25) {
		t.Errorf("credits=%d usd=%f, want 25/0.25", c.CreditsOverLimit, c.ChargeUSD)
	}
	if c.TextOver != 15 {
		t.Errorf("text over = %d, want 15", c.TextOver)
	}

	// A replay of an already-booked total is a no-op.
	c, err = svc.Track(ctx, "ten_1", quota.OpTextGeneration, 120, 100)
	if err != nil {
		t.Fatal(err)
	}
	if c.CreditsOverLimit != 25 {
		t.Errorf("replay changed credits to %d", c.CreditsOverLimit)
	}
}

func TestTrack_UnderLimitIsNoOp(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil)
	c, err := svc.Track(context.Background(), "ten_1", quota.OpImageGeneration, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("at-limit usage opened a charge")
	}
}

func TestTrack_RejectedOnNoOveragePlan(t *testing.T) {
	tn := &tenant.Tenant{ID: "ten_1", Plan: tenant.PlanStarter}
	svc := NewService(NewMemoryStore(), newMockTenants(tn), nil)
	if _, err := svc.Track(context.Background(), "ten_1", quota.OpImageGeneration, 510, 500); err == nil {
		t.Error("overage booked for a plan that forbids it")
	}
}

// --- billing transitions ---

func TestInvoice_DraftsAndTransitions(t *testing.T) {
	ctx := context.Background()
	invoicer := &mockInvoicer{}
	notifier := &mockNotifier{}
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), invoicer).WithNotifier(notifier)

	c, err := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)
	if err != nil {
		t.Fatal(err)
	}

	out, err := svc.Invoice(ctx, c.ID)
	if err != nil {
		t.Fatalf("Invoice: %v", err)
	}
	if out.Status != StatusInvoiced {
		t.Errorf("status = %s, want invoiced", out.Status)
	}
	if out.StripeInvoiceID != "in_test123" {
		t.Errorf("stripe invoice id = %q", out.StripeInvoiceID)
	}
	if invoicer.calls != 1 || notifier.invoiced != 1 {
		t.Errorf("invoicer calls=%d notifications=%d, want 1/1", invoicer.calls, notifier.invoiced)
	}

	// Invoicing twice violates the pending -> invoiced guard.
	if _, err := svc.Invoice(ctx, c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double invoice err = %v, want ErrInvalidTransition", err)
	}
}

func TestInvoice_NilInvoicerDemoMode(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil)

	c, err := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)
	if err != nil {
		t.Fatal(err)
	}
	out, err := svc.Invoice(ctx, c.ID)
	if err != nil {
		t.Fatalf("Invoice: %v", err)
	}
	if out.Status != StatusInvoiced || out.StripeInvoiceID != "" {
		t.Errorf("status=%s stripe=%q, want invoiced with no external ID", out.Status, out.StripeInvoiceID)
	}
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	notifier := &mockNotifier{}
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil).WithNotifier(notifier)

	c, _ := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)

	// Paying a pending charge skips the invoiced state.
	if _, err := svc.MarkPaid(ctx, c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> paid err = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.Invoice(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	out, err := svc.MarkPaid(ctx, c.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if out.Status != StatusPaid {
		t.Errorf("status = %s, want paid", out.Status)
	}
	if notifier.paid != 1 {
		t.Errorf("paid notifications = %d, want 1", notifier.paid)
	}

	// Paid is terminal.
	if _, err := svc.Waive(ctx, c.ID, "goodwill"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("paid -> waived err = %v, want ErrInvalidTransition", err)
	}
}

func TestWaive_StoresReason(t *testing.T) {
	ctx := context.Background()
	notifier := &mockNotifier{}
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil).WithNotifier(notifier)

	c, _ := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)

	out, err := svc.Waive(ctx, c.ID, "billing dispute resolved in tenant's favor")
	if err != nil {
		t.Fatalf("Waive: %v", err)
	}
	if out.Status != StatusWaived {
		t.Errorf("status = %s, want waived", out.Status)
	}
	if out.WaivedReason != "billing dispute resolved in tenant's favor" {
		t.Errorf("waived reason = %q", out.WaivedReason)
	}
	if notifier.waived != 1 {
		t.Errorf("waived notifications = %d, want 1", notifier.waived)
	}
}

func TestWaive_FromInvoiced(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), newMockTenants(growthTenant("ten_1")), nil)

	c, _ := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)
	if _, err := svc.Invoice(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	out, err := svc.Waive(ctx, c.ID, "invoice raised in error")
	if err != nil {
		t.Fatalf("Waive after invoice: %v", err)
	}
	if out.Status != StatusWaived {
		t.Errorf("status = %s, want waived", out.Status)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to BillingStatus
		want     bool
	}{
		{StatusPending, StatusInvoiced, true},
		{StatusInvoiced, StatusPaid, true},
		{StatusPending, StatusWaived, true},
		{StatusInvoiced, StatusWaived, true},
		{StatusPending, StatusPaid, false},
		{StatusPaid, StatusWaived, false},
		{StatusWaived, StatusInvoiced, false},
		{StatusPaid, StatusInvoiced, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// --- billing runs ---

func TestInvoicePending_BatchesAndSkipsFailures(t *testing.T) {
	ctx := context.Background()
	tenants := newMockTenants(growthTenant("ten_1"), growthTenant("ten_2"))
	invoicer := &mockInvoicer{}
	svc := NewService(NewMemoryStore(), tenants, invoicer)

	c1, err := svc.Track(ctx, "ten_1", quota.OpImageGeneration, 110, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Track(ctx, "ten_2", quota.OpVideoGeneration, 130, 100); err != nil {
		t.Fatal(err)
	}
	// One charge is already invoiced and must not be picked up again.
	if _, err := svc.Invoice(ctx, c1.ID); err != nil {
		t.Fatal(err)
	}

	invoiced, err := svc.InvoicePending(ctx, svc.month())
	if err != nil {
		t.Fatalf("InvoicePending: %v", err)
	}
	if invoiced != 1 {
		t.Errorf("invoiced = %d, want 1", invoiced)
	}

	got, err := svc.GetCharge(ctx, "ten_2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInvoiced {
		t.Errorf("ten_2 status = %s, want invoiced", got.Status)
	}
}

func TestPreviousMonth(t *testing.T) {
	tests := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, time.July, 15, 12, 0, 0, 0, time.UTC), "2026-06"},
		// Month-end days must not normalize forward into the current month.
		{time.Date(2026, time.March, 31, 23, 59, 0, 0, time.UTC), "2026-02"},
		{time.Date(2026, time.May, 31, 0, 0, 0, 0, time.UTC), "2026-04"},
		{time.Date(2026, time.January, 31, 8, 0, 0, 0, time.UTC), "2025-12"},
		{time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), "2025-12"},
	}

	for _, tt := range tests {
		if got := previousMonth(tt.now); got != tt.want {
			t.Errorf("previousMonth(%s) = %s, want %s", tt.now.Format("2006-01-02"), got, tt.want)
		}
	}
}
