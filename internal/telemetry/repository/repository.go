// Package repository persists telemetry sessions and ingested records.
package repository

import (
	"context"
	"errors"
	"time"

	"simlab-telemetry/internal/telemetry/domain"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("telemetry session not found")
	// ErrSessionExists is returned by StartSession for a duplicate session id.
	ErrSessionExists = errors.New("telemetry session already exists")
)

// Repository stores sessions and their events. Implementations must be safe for concurrent use.
type Repository interface {
	StartSession(ctx context.Context, s *domain.Session) error
	// EndSession stamps the session's end time. Ending an ended session keeps the first time.
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// SaveEvents stores records, skipping any whose event id is already stored, and returns how
	// many were new. Redelivered batches are therefore harmless.
	SaveEvents(ctx context.Context, records []domain.Record) (int, error)
	// ListEvents returns a session's events ordered by client timestamp.
	ListEvents(ctx context.Context, sessionID string, limit, offset int32) ([]domain.Record, error)
}
