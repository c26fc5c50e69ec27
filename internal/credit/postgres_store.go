package credit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store backed by Postgres. All counter
// mutations are single atomic UPDATE statements so concurrent writers never
// clobber each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credit_balances (
			tenant_id          TEXT PRIMARY KEY,
			lifetime_allocated BIGINT NOT NULL DEFAULT 0,
			lifetime_used      BIGINT NOT NULL DEFAULT 0,
			monthly_allocated  BIGINT NOT NULL DEFAULT 0,
			monthly_used       BIGINT NOT NULL DEFAULT 0,
			current_month      TEXT NOT NULL,
			last_reset_at      TIMESTAMPTZ NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_credit_balances_month ON credit_balances(current_month);
	`)
	if err != nil {
		return fmt.Errorf("migrate credit_balances: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, b *Balance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (
			tenant_id, lifetime_allocated, lifetime_used,
			monthly_allocated, monthly_used,
			current_month, last_reset_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO NOTHING`,
		b.TenantID, b.LifetimeAllocated, b.LifetimeUsed,
		b.MonthlyAllocated, b.MonthlyUsed,
		b.CurrentMonth, b.LastResetAt, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Balance, error) {
	b := &Balance{}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, lifetime_allocated, lifetime_used,
		       monthly_allocated, monthly_used,
		       current_month, last_reset_at, created_at, updated_at
		FROM credit_balances WHERE tenant_id = $1`,
		tenantID,
	).Scan(
		&b.TenantID, &b.LifetimeAllocated, &b.LifetimeUsed,
		&b.MonthlyAllocated, &b.MonthlyUsed,
		&b.CurrentMonth, &b.LastResetAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) SetAllocations(ctx context.Context, tenantID string, lifetime, monthly int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET lifetime_allocated = $2, monthly_allocated = $3, updated_at = NOW()
		WHERE tenant_id = $1`,
		tenantID, lifetime, monthly,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) AddAllocation(ctx context.Context, tenantID string, pool Pool, amount int64) error {
	col := "monthly_allocated"
	if pool == PoolLifetime {
		col = "lifetime_allocated"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE credit_balances
		SET %s = %s + $2, updated_at = NOW()
		WHERE tenant_id = $1`, col, col),
		tenantID, amount,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) IncrementLifetimeUsed(ctx context.Context, tenantID string, n int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET lifetime_used = lifetime_used + $2, updated_at = NOW()
		WHERE tenant_id = $1`,
		tenantID, n,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) IncrementMonthlyUsed(ctx context.Context, tenantID string, n int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET monthly_used = monthly_used + $2, updated_at = NOW()
		WHERE tenant_id = $1`,
		tenantID, n,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ResetMonthly(ctx context.Context, tenantID, month string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET monthly_used = 0, current_month = $2, last_reset_at = $3, updated_at = $3
		WHERE tenant_id = $1`,
		tenantID, month, at,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListStale(ctx context.Context, month string, limit int) ([]*Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, lifetime_allocated, lifetime_used,
		       monthly_allocated, monthly_used,
		       current_month, last_reset_at, created_at, updated_at
		FROM credit_balances
		WHERE current_month <> $1
		ORDER BY tenant_id
		LIMIT $2`,
		month, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(
			&b.TenantID, &b.LifetimeAllocated, &b.LifetimeUsed,
			&b.MonthlyAllocated, &b.MonthlyUsed,
			&b.CurrentMonth, &b.LastResetAt, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBalanceNotFound
	}
	return nil
}
