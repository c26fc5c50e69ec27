package quota

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresUsageStore persists usage summaries in Postgres. Increment is a
// single upsert statement so concurrent recorders never lose counts.
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

var _ UsageStore = (*PostgresUsageStore)(nil)

func (s *PostgresUsageStore) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_summaries (
			tenant_id        TEXT NOT NULL,
			month            TEXT NOT NULL,
			images_generated BIGINT NOT NULL DEFAULT 0,
			text_generated   BIGINT NOT NULL DEFAULT 0,
			tts_generated    BIGINT NOT NULL DEFAULT 0,
			videos_generated BIGINT NOT NULL DEFAULT 0,
			credits_used     BIGINT NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, month)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate usage_summaries: %w", err)
	}
	return nil
}

func opColumn(op OperationType) string {
	switch op {
	case OpImageGeneration:
		return "images_generated"
	case OpTextGeneration:
		return "text_generated"
	case OpTextToSpeech:
		return "tts_generated"
	case OpVideoGeneration:
		return "videos_generated"
	}
	return ""
}

func (s *PostgresUsageStore) Get(ctx context.Context, tenantID, month string) (*UsageSummary, error) {
	u := &UsageSummary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, month, images_generated, text_generated,
		       tts_generated, videos_generated, credits_used, updated_at
		FROM usage_summaries WHERE tenant_id = $1 AND month = $2`,
		tenantID, month,
	).Scan(
		&u.TenantID, &u.Month, &u.ImagesGenerated, &u.TextGenerated,
		&u.TTSGenerated, &u.VideosGenerated, &u.CreditsUsed, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresUsageStore) Increment(ctx context.Context, tenantID, month string, op OperationType, count, credits int64) error {
	col := opColumn(op)
	if col == "" {
		return fmt.Errorf("unknown operation type %q", op)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO usage_summaries (tenant_id, month, %s, credits_used, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, month) DO UPDATE SET
			%s = usage_summaries.%s + EXCLUDED.%s,
			credits_used = usage_summaries.credits_used + EXCLUDED.credits_used,
			updated_at = NOW()`, col, col, col, col),
		tenantID, month, count, credits,
	)
	return err
}

func (s *PostgresUsageStore) ListMonth(ctx context.Context, month string) ([]*UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, month, images_generated, text_generated,
		       tts_generated, videos_generated, credits_used, updated_at
		FROM usage_summaries WHERE month = $1 ORDER BY tenant_id`,
		month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UsageSummary
	for rows.Next() {
		u := &UsageSummary{}
		if err := rows.Scan(
			&u.TenantID, &u.Month, &u.ImagesGenerated, &u.TextGenerated,
			&u.TTSGenerated, &u.VideosGenerated, &u.CreditsUsed, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PostgresQuotaStore persists the legacy single-pool quota rows.
type PostgresQuotaStore struct {
	db *sql.DB
}

func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

var _ QuotaStore = (*PostgresQuotaStore)(nil)

func (s *PostgresQuotaStore) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ai_quotas (
			tenant_id     TEXT NOT NULL,
			month         TEXT NOT NULL,
			credits_limit BIGINT NOT NULL DEFAULT 0,
			credits_used  BIGINT NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, month)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate ai_quotas: %w", err)
	}
	return nil
}

func (s *PostgresQuotaStore) Get(ctx context.Context, tenantID, month string) (*Quota, error) {
	q := &Quota{}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, month, credits_limit, credits_used, updated_at
		FROM ai_quotas WHERE tenant_id = $1 AND month = $2`,
		tenantID, month,
	).Scan(&q.TenantID, &q.Month, &q.CreditsLimit, &q.CreditsUsed, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *PostgresQuotaStore) Upsert(ctx context.Context, tenantID, month string, limit, usedDelta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_quotas (tenant_id, month, credits_limit, credits_used, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, month) DO UPDATE SET
			credits_limit = EXCLUDED.credits_limit,
			credits_used = ai_quotas.credits_used + EXCLUDED.credits_used,
			updated_at = NOW()`,
		tenantID, month, limit, usedDelta,
	)
	return err
}
