package orgpolicy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"simlab-telemetry/internal/telemetry/domain"
)

// PostgresSource reads overrides from org_telemetry_policies.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource returns a source backed by db.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Overrides implements OverrideSource.
func (s *PostgresSource) Overrides(ctx context.Context, orgID string) (*domain.PolicyOverride, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT overrides FROM org_telemetry_policies WHERE org_id = $1`, orgID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var o domain.PolicyOverride
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Upsert stores the overrides for orgID, replacing any previous set.
func (s *PostgresSource) Upsert(ctx context.Context, orgID string, o *domain.PolicyOverride) error {
	if o == nil {
		o = &domain.PolicyOverride{}
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO org_telemetry_policies (org_id, overrides, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (org_id) DO UPDATE SET overrides = EXCLUDED.overrides, updated_at = EXCLUDED.updated_at`,
		orgID, raw, time.Now().UTC())
	return err
}
