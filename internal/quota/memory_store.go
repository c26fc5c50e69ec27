package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryUsageStore is an in-memory UsageStore for tests and demo mode.
type MemoryUsageStore struct {
	mu        sync.RWMutex
	summaries map[string]*UsageSummary // key: tenantID + "_" + month
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{summaries: make(map[string]*UsageSummary)}
}

var _ UsageStore = (*MemoryUsageStore)(nil)

func usageKey(tenantID, month string) string {
	return tenantID + "_" + month
}

func (s *MemoryUsageStore) Get(ctx context.Context, tenantID, month string) (*UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.summaries[usageKey(tenantID, month)]
	if !ok {
		return nil, ErrUsageNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUsageStore) Increment(ctx context.Context, tenantID, month string, op OperationType, count, credits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(tenantID, month)
	u, ok := s.summaries[key]
	if !ok {
		u = &UsageSummary{TenantID: tenantID, Month: month}
		s.summaries[key] = u
	}
	switch op {
	case OpImageGeneration:
		u.ImagesGenerated += count
	case OpTextGeneration:
		u.TextGenerated += count
	case OpTextToSpeech:
		u.TTSGenerated += count
	case OpVideoGeneration:
		u.VideosGenerated += count
	}
	u.CreditsUsed += credits
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryUsageStore) ListMonth(ctx context.Context, month string) ([]*UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UsageSummary
	for _, u := range s.summaries {
		if u.Month == month {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryQuotaStore is an in-memory QuotaStore for tests and demo mode.
type MemoryQuotaStore struct {
	mu     sync.RWMutex
	quotas map[string]*Quota
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{quotas: make(map[string]*Quota)}
}

var _ QuotaStore = (*MemoryQuotaStore)(nil)

func (s *MemoryQuotaStore) Get(ctx context.Context, tenantID, month string) (*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[usageKey(tenantID, month)]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryQuotaStore) Upsert(ctx context.Context, tenantID, month string, limit, usedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(tenantID, month)
	q, ok := s.quotas[key]
	if !ok {
		q = &Quota{TenantID: tenantID, Month: month}
		s.quotas[key] = q
	}
	q.CreditsLimit = limit
	q.CreditsUsed += usedDelta
	q.UpdatedAt = time.Now().UTC()
	return nil
}
