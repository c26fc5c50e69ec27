package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tn := &Tenant{
		ID:        "ten_1",
		Name:      "Acme Corp",
		Slug:      "acme",
		Plan:      PlanStarter,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	// Create
	err := store.Create(ctx, tn)
	require.NoError(t, err)

	// Get by ID
	got, err := store.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, PlanStarter, got.Plan)

	// Get by slug
	got, err = store.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ten_1", got.ID)

	// Update
	got.Name = "Acme Inc"
	err = store.Update(ctx, got)
	require.NoError(t, err)

	got2, _ := store.Get(ctx, "ten_1")
	assert.Equal(t, "Acme Inc", got2.Name)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = store.GetBySlug(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	err = store.Update(ctx, &Tenant{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStore_DuplicateSlug(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Create(ctx, &Tenant{ID: "ten_1", Slug: "acme"})
	err := store.Create(ctx, &Tenant{ID: "ten_2", Slug: "acme"})
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestConfigForPlan(t *testing.T) {
	cfg := ConfigForPlan(PlanAgency)
	assert.Equal(t, int64(10000), cfg.AIMonthlyCredits)
	assert.Equal(t, int64(0), cfg.MaxImagesPerMonth) // unlimited
	assert.True(t, cfg.AllowOverage)
	assert.Equal(t, 5000, cfg.RateLimitRPM)

	// Unknown plan falls back to free
	cfg = ConfigForPlan(Plan("unknown"))
	assert.Equal(t, int64(50), cfg.AILifetimeCredits)
	assert.Equal(t, 60, cfg.RateLimitRPM)
}

func TestMonthlyCredits_PrefersCurrentField(t *testing.T) {
	p := PlanConfig{AIMonthlyCredits: 500, AICreditsPerMonth: 300}
	assert.Equal(t, int64(500), p.MonthlyCredits())

	// Legacy tenants provisioned against the deprecated field still work
	p = PlanConfig{AICreditsPerMonth: 300}
	assert.Equal(t, int64(300), p.MonthlyCredits())
}

func TestValidPlan(t *testing.T) {
	assert.True(t, ValidPlan(PlanFree))
	assert.True(t, ValidPlan(PlanStarter))
	assert.True(t, ValidPlan(PlanGrowth))
	assert.True(t, ValidPlan(PlanAgency))
	assert.False(t, ValidPlan(Plan("premium")))
}

func TestBYOK(t *testing.T) {
	tn := &Tenant{UseOwnGeminiKey: true, GeminiKeyID: "gk_1"}
	assert.True(t, tn.BYOK())

	// Both fields are required for the bypass
	tn = &Tenant{UseOwnGeminiKey: true}
	assert.False(t, tn.BYOK())
	tn = &Tenant{GeminiKeyID: "gk_1"}
	assert.False(t, tn.BYOK())
}
