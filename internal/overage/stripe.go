package overage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/leadflowhq/leadflow/internal/circuitbreaker"
	"github.com/leadflowhq/leadflow/internal/retry"
	"github.com/leadflowhq/leadflow/internal/tenant"
)

const breakerKey = "stripe"

// StripeInvoicer drafts Stripe invoices for overage charges. Calls run
// behind a circuit breaker so a Stripe outage fails fast instead of stalling
// every billing run.
type StripeInvoicer struct {
	sc      *client.API
	breaker *circuitbreaker.Breaker
}

var _ Invoicer = (*StripeInvoicer)(nil)

func NewStripeInvoicer(apiKey string, breaker *circuitbreaker.Breaker) *StripeInvoicer {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeInvoicer{sc: sc, breaker: breaker}
}

// CreateInvoice drafts a Stripe invoice with a single line item covering the
// month's overage. The invoice is left in draft; finalization and collection
// follow the account's billing settings.
func (s *StripeInvoicer) CreateInvoice(ctx context.Context, t *tenant.Tenant, c *Charge) (string, error) {
	if t.StripeCustomerID == "" {
		return "", fmt.Errorf("tenant %s has no stripe customer", t.ID)
	}
	if !s.breaker.Allow(breakerKey) {
		return "", ErrInvoicingSuspended
	}

	cents := int64(math.Round(c.ChargeUSD * 100))
	itemParams := &stripe.InvoiceItemParams{
		Customer: stripe.String(t.StripeCustomerID),
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(fmt.Sprintf(
			"AI credit overage for %s: %d credits over limit", c.Month, c.CreditsOverLimit)),
	}
	itemParams.Context = ctx
	err := stripeCall(ctx, func() error {
		_, err := s.sc.InvoiceItems.New(itemParams)
		return err
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("stripe invoice item: %w", err)
	}

	invParams := &stripe.InvoiceParams{
		Customer:    stripe.String(t.StripeCustomerID),
		AutoAdvance: stripe.Bool(false),
		Description: stripe.String(fmt.Sprintf("LeadFlow overage, %s", c.Month)),
	}
	invParams.Context = ctx
	var inv *stripe.Invoice
	err = stripeCall(ctx, func() error {
		var err error
		inv, err = s.sc.Invoices.New(invParams)
		return err
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("stripe invoice: %w", err)
	}

	s.breaker.RecordSuccess(breakerKey)
	return inv.ID, nil
}

// stripeCall retries transient Stripe failures with backoff. Client-side
// errors (4xx) will fail the same way on every attempt and are not retried.
func stripeCall(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	})
}
