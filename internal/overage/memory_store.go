package overage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadflowhq/leadflow/internal/quota"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	charges map[string]*Charge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{charges: make(map[string]*Charge)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, c *Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.charges[c.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, month string) (*Charge, error) {
	return s.GetByID(ctx, ChargeID(tenantID, month))
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charges[id]
	if !ok {
		return nil, ErrChargeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) AddOverage(ctx context.Context, id string, op quota.OperationType, credits int64, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok {
		return ErrChargeNotFound
	}
	c.CreditsOverLimit += credits
	c.ChargeUSD += usd
	setOpBreakdown(c, op, credits)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to BillingStatus, from []BillingStatus, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok {
		return ErrChargeNotFound
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	c.Status = to
	switch to {
	case StatusInvoiced:
		c.StripeInvoiceID = ref
	case StatusWaived:
		c.WaivedReason = ref
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, month string, status BillingStatus, afterCreatedAt time.Time, afterID string, limit int) ([]*Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Charge
	for _, c := range s.charges {
		if c.Month != month || c.Status != status {
			continue
		}
		if !afterCreatedAt.IsZero() {
			if c.CreatedAt.Before(afterCreatedAt) {
				continue
			}
			if c.CreatedAt.Equal(afterCreatedAt) && c.ID <= afterID {
				continue
			}
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}
