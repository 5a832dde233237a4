package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"simlab-telemetry/internal/telemetry/domain"
)

// MemoryRepository keeps everything in process. Used when DATABASE_URL is unset and in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	events   map[string][]domain.Record
	seen     map[string]struct{}
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]domain.Session),
		events:   make(map[string][]domain.Record),
		seen:     make(map[string]struct{}),
	}
}

func (r *MemoryRepository) StartSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionID]; ok {
		return ErrSessionExists
	}
	r.sessions[s.SessionID] = *s
	return nil
}

func (r *MemoryRepository) EndSession(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.EndedAt == nil {
		at = at.UTC()
		s.EndedAt = &at
		r.sessions[sessionID] = s
	}
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) SaveEvents(_ context.Context, records []domain.Record) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range records {
		if _, dup := r.seen[rec.EventID]; dup {
			continue
		}
		if _, ok := r.sessions[rec.SessionID]; !ok {
			return n, ErrSessionNotFound
		}
		r.seen[rec.EventID] = struct{}{}
		r.events[rec.SessionID] = append(r.events[rec.SessionID], rec)
		n++
	}
	return n, nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, sessionID string, limit, offset int32) ([]domain.Record, error) {
	r.mu.RLock()
	list := slices.Clone(r.events[sessionID])
	r.mu.RUnlock()
	slices.SortStableFunc(list, func(a, b domain.Record) int {
		switch {
		case a.ClientTimestamp < b.ClientTimestamp:
			return -1
		case a.ClientTimestamp > b.ClientTimestamp:
			return 1
		}
		return 0
	})
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(list) {
		return nil, nil
	}
	list = list[offset:]
	if limit > 0 && int(limit) < len(list) {
		list = list[:limit]
	}
	return list, nil
}
