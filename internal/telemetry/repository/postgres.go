package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"simlab-telemetry/internal/telemetry/domain"
)

// PostgresRepository stores sessions and events in the tables created by internal/db/migrations.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const insertSession = `
INSERT INTO telemetry_sessions (session_id, user_id, guest_id, org_id, module_id, policy, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO NOTHING`

func (r *PostgresRepository) StartSession(ctx context.Context, s *domain.Session) error {
	policy, err := json.Marshal(s.Policy)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, insertSession,
		s.SessionID, nullStringFromPtr(s.UserID), nullStringFromPtr(s.GuestID),
		nullString(s.OrgID), s.ModuleID, policy, s.StartedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionExists
	}
	return nil
}

func (r *PostgresRepository) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE telemetry_sessions SET ended_at = COALESCE(ended_at, $2) WHERE session_id = $1`,
		sessionID, at.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession returns the session or ErrSessionNotFound.
func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var (
		s             domain.Session
		userID, guest sql.NullString
		orgID         sql.NullString
		policy        []byte
		endedAt       sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
SELECT session_id, user_id, guest_id, org_id, module_id, policy, started_at, ended_at
FROM telemetry_sessions WHERE session_id = $1`, sessionID).
		Scan(&s.SessionID, &userID, &guest, &orgID, &s.ModuleID, &policy, &s.StartedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	s.UserID = ptrFromNullString(userID)
	s.GuestID = ptrFromNullString(guest)
	s.OrgID = orgID.String
	if err := json.Unmarshal(policy, &s.Policy); err != nil {
		return nil, fmt.Errorf("telemetry session %s: policy: %w", sessionID, err)
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	s.StartedAt = s.StartedAt.UTC()
	return &s, nil
}

const insertEvent = `
INSERT INTO telemetry_events
    (event_id, session_id, user_id, guest_id, module_id, event_type, payload, occurred_at, client_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (event_id) DO NOTHING`

// SaveEvents inserts the records in one transaction.
func (r *PostgresRepository) SaveEvents(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for i := range records {
		rec := &records[i]
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("event %s: %w", rec.EventID, err)
		}
		res, err := stmt.ExecContext(ctx,
			rec.EventID, rec.SessionID, nullStringFromPtr(rec.UserID), nullStringFromPtr(rec.GuestID),
			rec.ModuleID, string(rec.EventType()), payload, rec.Timestamp.UTC(), rec.ClientTimestamp)
		if err != nil {
			return 0, fmt.Errorf("event %s: %w", rec.EventID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PostgresRepository) ListEvents(ctx context.Context, sessionID string, limit, offset int32) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, session_id, user_id, guest_id, module_id, event_type, payload, occurred_at, client_timestamp
FROM telemetry_events WHERE session_id = $1
ORDER BY client_timestamp, received_at
LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			rec           domain.Record
			userID, guest sql.NullString
			eventType     string
			payload       []byte
		)
		if err := rows.Scan(&rec.EventID, &rec.SessionID, &userID, &guest, &rec.ModuleID,
			&eventType, &payload, &rec.Timestamp, &rec.ClientTimestamp); err != nil {
			return nil, err
		}
		p, err := domain.DecodePayload(domain.EventType(eventType), payload)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rec.EventID, err)
		}
		rec.Payload = p
		rec.UserID = ptrFromNullString(userID)
		rec.GuestID = ptrFromNullString(guest)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringFromPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}
