// Package overage records credit usage past plan limits and bills for it.
//
// Plans that allow soft limits keep serving requests after the monthly credit
// limit is crossed; each crossing lands here as a per-tenant, per-month
// charge that accumulates deltas until the billing cycle invoices it.
package overage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadflowhq/leadflow/internal/quota"
)

var (
	ErrChargeNotFound     = errors.New("overage: charge not found")
	ErrInvalidTransition  = errors.New("overage: invalid billing status transition")
	ErrInvoicingSuspended = errors.New("overage: invoicing temporarily suspended")
)

// BillingStatus is the lifecycle state of an overage charge.
type BillingStatus string

const (
	StatusPending  BillingStatus = "pending"
	StatusInvoiced BillingStatus = "invoiced"
	StatusPaid     BillingStatus = "paid"
	StatusWaived   BillingStatus = "waived"
)

// allowedFrom maps a target status to the statuses a charge may leave from.
// Paid and waived are terminal.
var allowedFrom = map[BillingStatus][]BillingStatus{
	StatusInvoiced: {StatusPending},
	StatusPaid:     {StatusInvoiced},
	StatusWaived:   {StatusPending, StatusInvoiced},
}

// CanTransition reports whether a charge in from may move to to.
func CanTransition(from, to BillingStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Charge is the accumulated overage for one tenant in one month.
type Charge struct {
	ID               string        `json:"id"` // tenantID + "_" + month
	TenantID         string        `json:"tenantId"`
	Month            string        `json:"month"`
	CreditsOverLimit int64         `json:"creditsOverLimit"`
	ChargeUSD        float64       `json:"chargeUsd"`
	ImagesOver       int64         `json:"imagesOver"`
	TextOver         int64         `json:"textOver"`
	TTSOver          int64         `json:"ttsOver"`
	VideosOver       int64         `json:"videosOver"`
	Status           BillingStatus `json:"status"`
	StripeInvoiceID  string        `json:"stripeInvoiceId,omitempty"`
	WaivedReason     string        `json:"waivedReason,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// ChargeID builds the deterministic charge key for a tenant and month.
func ChargeID(tenantID, month string) string {
	return tenantID + "_" + month
}

// Store persists overage charges. AddOverage is an atomic increment and
// Transition is a guarded update, so concurrent recorders and billing jobs
// cannot double-count or skip states.
type Store interface {
	Create(ctx context.Context, c *Charge) error
	Get(ctx context.Context, tenantID, month string) (*Charge, error)
	GetByID(ctx context.Context, id string) (*Charge, error)
	// AddOverage atomically adds credits and USD to the charge and bumps the
	// per-operation breakdown column for op.
	AddOverage(ctx context.Context, id string, op quota.OperationType, credits int64, usd float64) error
	// Transition moves the charge to status if its current status is in
	// from. ref stamps the Stripe invoice ID when invoicing and the
	// administrator's reason when waiving; it is ignored otherwise. Returns
	// ErrInvalidTransition when the guard fails.
	Transition(ctx context.Context, id string, to BillingStatus, from []BillingStatus, ref string) error
	// ListByStatus returns charges in one status for one month, keyset
	// paginated by (created_at, id) fetched with limit+1.
	ListByStatus(ctx context.Context, month string, status BillingStatus, afterCreatedAt time.Time, afterID string, limit int) ([]*Charge, error)
}

func validateTransition(from, to BillingStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
