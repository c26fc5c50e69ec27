package overage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/leadflowhq/leadflow/internal/quota"
)

// PostgresStore is the production Store backed by Postgres. Overage
// accumulation is a single atomic UPDATE and billing transitions carry their
// from-status guard in the WHERE clause, so races resolve in the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS overage_charges (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			month              TEXT NOT NULL,
			credits_over_limit BIGINT NOT NULL DEFAULT 0,
			charge_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
			images_over        BIGINT NOT NULL DEFAULT 0,
			text_over          BIGINT NOT NULL DEFAULT 0,
			tts_over           BIGINT NOT NULL DEFAULT 0,
			videos_over        BIGINT NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'pending',
			stripe_invoice_id  TEXT NOT NULL DEFAULT '',
			waived_reason      TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, month)
		);
		CREATE INDEX IF NOT EXISTS idx_overage_charges_month_status
			ON overage_charges(month, status, created_at, id);
	`)
	if err != nil {
		return fmt.Errorf("migrate overage_charges: %w", err)
	}
	return nil
}

const chargeColumns = `id, tenant_id, month, credits_over_limit, charge_usd,
	images_over, text_over, tts_over, videos_over,
	status, stripe_invoice_id, waived_reason, created_at, updated_at`

func scanCharge(row interface{ Scan(...any) error }) (*Charge, error) {
	c := &Charge{}
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Month, &c.CreditsOverLimit, &c.ChargeUSD,
		&c.ImagesOver, &c.TextOver, &c.TTSOver, &c.VideosOver,
		&c.Status, &c.StripeInvoiceID, &c.WaivedReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c *Charge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overage_charges (
			id, tenant_id, month, credits_over_limit, charge_usd,
			images_over, text_over, tts_over, videos_over,
			status, stripe_invoice_id, waived_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, month) DO NOTHING`,
		c.ID, c.TenantID, c.Month, c.CreditsOverLimit, c.ChargeUSD,
		c.ImagesOver, c.TextOver, c.TTSOver, c.VideosOver,
		c.Status, c.StripeInvoiceID, c.WaivedReason, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, month string) (*Charge, error) {
	return scanCharge(s.db.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM overage_charges WHERE tenant_id = $1 AND month = $2`,
		tenantID, month,
	))
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Charge, error) {
	return scanCharge(s.db.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM overage_charges WHERE id = $1`,
		id,
	))
}

func overColumn(op quota.OperationType) string {
	switch op {
	case quota.OpImageGeneration:
		return "images_over"
	case quota.OpTextGeneration:
		return "text_over"
	case quota.OpTextToSpeech:
		return "tts_over"
	case quota.OpVideoGeneration:
		return "videos_over"
	}
	return ""
}

func (s *PostgresStore) AddOverage(ctx context.Context, id string, op quota.OperationType, credits int64, usd float64) error {
	col := overColumn(op)
	if col == "" {
		return fmt.Errorf("unknown operation type %q", op)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE overage_charges
		SET credits_over_limit = credits_over_limit + $2,
		    charge_usd = charge_usd + $3,
		    %s = %s + $2,
		    updated_at = NOW()
		WHERE id = $1`, col, col),
		id, credits, usd,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to BillingStatus, from []BillingStatus, ref string) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE overage_charges
		SET status = $2,
		    stripe_invoice_id = CASE WHEN $2 = 'invoiced' THEN $3 ELSE stripe_invoice_id END,
		    waived_reason = CASE WHEN $2 = 'waived' THEN $3 ELSE waived_reason END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, string(to), ref, pq.Array(fromStrs),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a guard failure.
		if _, gerr := s.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, month string, status BillingStatus, afterCreatedAt time.Time, afterID string, limit int) ([]*Charge, error) {
	query := `SELECT ` + chargeColumns + `
		FROM overage_charges
		WHERE month = $1 AND status = $2`
	args := []any{month, string(status)}
	if !afterCreatedAt.IsZero() {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, afterCreatedAt, afterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
