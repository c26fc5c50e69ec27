//go:build integration

package credit

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)

	if err := store.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(context.Background(), "DELETE FROM credit_balances")
		db.Close()
	}

	return store, cleanup
}

func testBalance(tenantID string) *Balance {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Balance{
		TenantID:          tenantID,
		LifetimeAllocated: 50,
		LifetimeUsed:      0,
		MonthlyAllocated:  0,
		MonthlyUsed:       0,
		CurrentMonth:      now.Format("2006-01"),
		LastResetAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	b := testBalance("ten_00000000000000000000aaaa")

	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, b.TenantID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.LifetimeAllocated != 50 {
		t.Errorf("LifetimeAllocated: got %d, want 50", got.LifetimeAllocated)
	}
	if got.CurrentMonth != b.CurrentMonth {
		t.Errorf("CurrentMonth: got %s, want %s", got.CurrentMonth, b.CurrentMonth)
	}
}

func TestPostgresStore_CreateIsIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	b := testBalance("ten_00000000000000000000aaab")

	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.IncrementLifetimeUsed(ctx, b.TenantID, 7); err != nil {
		t.Fatalf("IncrementLifetimeUsed failed: %v", err)
	}

	// A second Create for the same tenant must not reset existing counters.
	if err := store.Create(ctx, testBalance(b.TenantID)); err != nil {
		t.Fatalf("second Create failed: %v", err)
	}

	got, err := store.Get(ctx, b.TenantID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LifetimeUsed != 7 {
		t.Errorf("LifetimeUsed: got %d, want 7", got.LifetimeUsed)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "ten_00000000000000000000ffff")
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Errorf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestPostgresStore_Counters(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	b := testBalance("ten_00000000000000000000aaac")
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.SetAllocations(ctx, b.TenantID, 0, 500); err != nil {
		t.Fatalf("SetAllocations failed: %v", err)
	}
	if err := store.IncrementMonthlyUsed(ctx, b.TenantID, 12); err != nil {
		t.Fatalf("IncrementMonthlyUsed failed: %v", err)
	}
	if err := store.IncrementMonthlyUsed(ctx, b.TenantID, 3); err != nil {
		t.Fatalf("IncrementMonthlyUsed failed: %v", err)
	}
	if err := store.AddAllocation(ctx, b.TenantID, PoolMonthly, 100); err != nil {
		t.Fatalf("AddAllocation failed: %v", err)
	}

	got, err := store.Get(ctx, b.TenantID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LifetimeAllocated != 0 || got.MonthlyAllocated != 600 {
		t.Errorf("allocations: got %d/%d, want 0/600", got.LifetimeAllocated, got.MonthlyAllocated)
	}
	if got.MonthlyUsed != 15 {
		t.Errorf("MonthlyUsed: got %d, want 15", got.MonthlyUsed)
	}
}

func TestPostgresStore_CountersRequireRow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	err := store.IncrementMonthlyUsed(context.Background(), "ten_00000000000000000000ffff", 1)
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Errorf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestPostgresStore_ResetAndListStale(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	thisMonth := time.Now().UTC().Format("2006-01")

	stale := testBalance("ten_00000000000000000000aaad")
	stale.CurrentMonth = "2020-01"
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	current := testBalance("ten_00000000000000000000aaae")
	current.CurrentMonth = thisMonth
	if err := store.Create(ctx, current); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.ListStale(ctx, thisMonth, 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != stale.TenantID {
		t.Fatalf("ListStale: got %d rows, want the stale tenant only", len(got))
	}

	if err := store.ResetMonthly(ctx, stale.TenantID, thisMonth, time.Now().UTC()); err != nil {
		t.Fatalf("ResetMonthly failed: %v", err)
	}

	got, err = store.ListStale(ctx, thisMonth, 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListStale after reset: got %d rows, want 0", len(got))
	}
}
