// Package tenant provides multi-tenancy for the LeadFlow platform.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Plan identifies the pricing tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanGrowth  Plan = "growth"
	PlanAgency  Plan = "agency"
)

// Tenant represents a company account using the platform.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Plan             Plan      `json:"plan"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	Status           Status    `json:"status"`
	UseOwnGeminiKey  bool      `json:"useOwnGeminiKey"`
	GeminiKeyID      string    `json:"geminiKeyId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// BYOK reports whether the tenant brings its own upstream AI key.
// BYOK tenants bypass all credit and operation-limit enforcement.
func (t *Tenant) BYOK() bool {
	return t.UseOwnGeminiKey && t.GeminiKeyID != ""
}
