package tenant

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, slug, plan, stripe_customer_id, status,
			use_own_gemini_key, gemini_key_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Slug, string(t.Plan), t.StripeCustomerID, string(t.Status),
		t.UseOwnGeminiKey, t.GeminiKeyID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, name, slug, plan, stripe_customer_id, status,
			use_own_gemini_key, gemini_key_id, created_at, updated_at
		FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, name, slug, plan, stripe_customer_id, status,
			use_own_gemini_key, gemini_key_id, created_at, updated_at
		FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, plan = $2, stripe_customer_id = $3, status = $4,
			use_own_gemini_key = $5, gemini_key_id = $6, updated_at = $7
		WHERE id = $8`,
		t.Name, string(t.Plan), t.StripeCustomerID, string(t.Status),
		t.UseOwnGeminiKey, t.GeminiKeyID, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, slug, plan, stripe_customer_id, status,
			use_own_gemini_key, gemini_key_id, created_at, updated_at
		FROM tenants ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scanTenantRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func scanTenantRow(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		plan, status string
		stripeID     sql.NullString
		geminiKeyID  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &plan, &stripeID, &status,
		&t.UseOwnGeminiKey, &geminiKeyID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Plan = Plan(plan)
	t.Status = Status(status)
	if stripeID.Valid {
		t.StripeCustomerID = stripeID.String
	}
	if geminiKeyID.Valid {
		t.GeminiKeyID = geminiKeyID.String
	}
	return t, nil
}

// Migrate creates the tenants table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			slug               TEXT NOT NULL UNIQUE,
			plan               TEXT NOT NULL DEFAULT 'free',
			stripe_customer_id TEXT,
			status             TEXT NOT NULL DEFAULT 'active',
			use_own_gemini_key BOOLEAN NOT NULL DEFAULT FALSE,
			gemini_key_id      TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_slug ON tenants(slug);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
