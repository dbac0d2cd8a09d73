package merchants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists merchant settings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetSettings(ctx context.Context, merchantID string) (*Settings, error) {
	s := &Settings{MerchantID: merchantID}
	var (
		rules    []byte
		timezone sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT rules_json, timezone, updated_at
		FROM merchant_settings WHERE merchant_id = $1`, merchantID,
	).Scan(&rules, &timezone, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("merchants: load settings: %w", err)
	}
	s.RulesJSON = rules
	s.Timezone = timezone.String
	return s, nil
}

func (p *PostgresStore) PutSettings(ctx context.Context, s *Settings) error {
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	var rules any
	if len(s.RulesJSON) > 0 {
		rules = []byte(s.RulesJSON)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchant_settings (merchant_id, rules_json, timezone, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (merchant_id) DO UPDATE
		SET rules_json = EXCLUDED.rules_json,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at`,
		s.MerchantID, rules, s.Timezone, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("merchants: save settings: %w", err)
	}
	return nil
}
