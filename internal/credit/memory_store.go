package credit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.balances[b.TenantID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) SetAllocations(ctx context.Context, tenantID string, lifetime, monthly int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return ErrBalanceNotFound
	}
	b.LifetimeAllocated = lifetime
	b.MonthlyAllocated = monthly
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddAllocation(ctx context.Context, tenantID string, pool Pool, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return ErrBalanceNotFound
	}
	switch pool {
	case PoolLifetime:
		b.LifetimeAllocated += amount
	case PoolMonthly:
		b.MonthlyAllocated += amount
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IncrementLifetimeUsed(ctx context.Context, tenantID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return ErrBalanceNotFound
	}
	b.LifetimeUsed += n
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IncrementMonthlyUsed(ctx context.Context, tenantID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return ErrBalanceNotFound
	}
	b.MonthlyUsed += n
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ResetMonthly(ctx context.Context, tenantID, month string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[tenantID]
	if !ok {
		return ErrBalanceNotFound
	}
	b.MonthlyUsed = 0
	b.CurrentMonth = month
	b.LastResetAt = at
	b.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, month string, limit int) ([]*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Balance
	for _, b := range s.balances {
		if b.CurrentMonth != month {
			cp := *b
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
