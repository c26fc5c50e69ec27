// Package credit implements the dual-pool AI credit balance for LeadFlow tenants.
//
// Every tenant carries two pools: a one-time lifetime pool (free tier) and a
// recurring monthly pool (paid tiers). When the lifetime pool has a nonzero
// allocation it is the only pool consulted; once a tenant moves to a paid plan
// the monthly pool takes over and resets on every calendar-month rollover.
// Allocations self-heal against the tenant's current plan on every read, so a
// plan change or a misconfigured balance corrects itself without losing the
// used-so-far counters.
package credit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBalanceNotFound = errors.New("credit: balance not found")
	ErrTenantNotFound  = errors.New("credit: tenant not found")

	errSweepStalled = errors.New("credit: sweep made no progress, aborting")
)

// Pool selects which allocation a bonus top-up lands in.
type Pool string

const (
	PoolLifetime Pool = "lifetime"
	PoolMonthly  Pool = "monthly"
)

// Balance is a tenant's dual-pool credit balance.
type Balance struct {
	TenantID          string    `json:"tenantId"`
	LifetimeAllocated int64     `json:"lifetimeAllocated"`
	LifetimeUsed      int64     `json:"lifetimeUsed"`
	MonthlyAllocated  int64     `json:"monthlyAllocated"`
	MonthlyUsed       int64     `json:"monthlyUsed"`
	CurrentMonth      string    `json:"currentMonth"` // "YYYY-MM" of the last reset
	LastResetAt       time.Time `json:"lastResetAt"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LifetimeRemaining returns the credits left in the lifetime pool.
func (b *Balance) LifetimeRemaining() int64 {
	r := b.LifetimeAllocated - b.LifetimeUsed
	if r < 0 {
		return 0
	}
	return r
}

// MonthlyRemaining returns the credits left in the monthly pool.
func (b *Balance) MonthlyRemaining() int64 {
	r := b.MonthlyAllocated - b.MonthlyUsed
	if r < 0 {
		return 0
	}
	return r
}

// Availability is the result of a credit availability check.
type Availability struct {
	Available         bool   `json:"available"`
	Unlimited         bool   `json:"unlimited,omitempty"` // BYOK tenants
	Reason            string `json:"reason,omitempty"`
	LifetimeRemaining int64  `json:"lifetimeRemaining"`
	LifetimeAllocated int64  `json:"lifetimeAllocated"`
	MonthlyRemaining  int64  `json:"monthlyRemaining"`
	MonthlyAllocated  int64  `json:"monthlyAllocated"`
}

// Store persists credit balances. Mutations on the used counters and
// allocations are atomic increments at the store level so that concurrent
// deductions for the same tenant never lose updates.
type Store interface {
	Create(ctx context.Context, b *Balance) error
	Get(ctx context.Context, tenantID string) (*Balance, error)
	// SetAllocations overwrites the allocated fields, preserving used counters.
	SetAllocations(ctx context.Context, tenantID string, lifetime, monthly int64) error
	// AddAllocation atomically increases one pool's allocation (bonus credits).
	AddAllocation(ctx context.Context, tenantID string, pool Pool, amount int64) error
	// IncrementLifetimeUsed atomically adds to the lifetime used counter.
	IncrementLifetimeUsed(ctx context.Context, tenantID string, n int64) error
	// IncrementMonthlyUsed atomically adds to the monthly used counter.
	IncrementMonthlyUsed(ctx context.Context, tenantID string, n int64) error
	// ResetMonthly zeroes monthly_used and stamps the new month.
	ResetMonthly(ctx context.Context, tenantID, month string, at time.Time) error
	// ListStale returns balances whose current_month differs from month.
	ListStale(ctx context.Context, month string, limit int) ([]*Balance, error)
}

// CurrentMonth returns the wall-clock month as "YYYY-MM".
func CurrentMonth() string {
	return time.Now().UTC().Format("2006-01")
}
