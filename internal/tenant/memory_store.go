package tenant

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	bySlug  map[string]string  // slug → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		bySlug:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySlug[t.Slug]; ok {
		return ErrSlugTaken
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.bySlug[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySlug[slug]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now()
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Tenant
	for _, t := range m.tenants {
		cp := *t
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
