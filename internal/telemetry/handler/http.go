// Package handler serves the telemetry HTTP API: session start and end, batch ingest, and session
// event listing.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"simlab-telemetry/internal/security"
	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/domain"
	"simlab-telemetry/internal/telemetry/metrics"
	"simlab-telemetry/internal/telemetry/repository"
)

const (
	// DefaultMaxBatch caps records per upload when Options.MaxBatch is zero.
	DefaultMaxBatch = 500
	// maxBodyBytes bounds the decoded request body.
	maxBodyBytes = 8 << 20
	// maxListLimit bounds the page size of an event listing.
	maxListLimit = 1000
)

// Authenticator validates bearer tokens. *security.TokenProvider implements it.
type Authenticator interface {
	ValidateAccess(token string) (*security.Principal, error)
}

// PolicyResolver returns the telemetry policy for an organization. *orgpolicy.Resolver implements it.
type PolicyResolver interface {
	Resolve(ctx context.Context, orgID string) (domain.OrgPolicy, error)
}

// Options configures a Server.
type Options struct {
	Repo repository.Repository
	// Auth validates bearer tokens; nil accepts anonymous callers only.
	Auth Authenticator
	// AuthRequired rejects calls without a valid token. Otherwise anonymous callers are guests.
	AuthRequired bool
	Policies     PolicyResolver
	// Emitter receives every accepted record, best-effort. Redelivered batches are emitted again,
	// so consumers dedupe by event id. May be nil.
	Emitter  telemetry.RecordEmitter
	Metrics  *metrics.Instruments
	MaxBatch int
	Now      func() time.Time
}

// Server implements the telemetry HTTP API.
type Server struct {
	repo         repository.Repository
	auth         Authenticator
	authRequired bool
	policies     PolicyResolver
	emitter      telemetry.RecordEmitter
	metrics      *metrics.Instruments
	maxBatch     int
	now          func() time.Time
}

// NewServer returns a Server. Repo is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Repo == nil {
		return nil, errors.New("handler: repository is required")
	}
	if opts.AuthRequired && opts.Auth == nil {
		return nil, errors.New("handler: auth required but no authenticator configured")
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		repo:         opts.Repo,
		auth:         opts.Auth,
		authRequired: opts.AuthRequired,
		policies:     opts.Policies,
		emitter:      opts.Emitter,
		metrics:      opts.Metrics,
		maxBatch:     maxBatch,
		now:          now,
	}, nil
}

// Routes returns the API mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/telemetry/session/start", s.startSession)
	mux.HandleFunc("POST /api/telemetry/session/end", s.endSession)
	mux.HandleFunc("POST /api/telemetry/events", s.ingest)
	mux.HandleFunc("GET /api/telemetry/sessions/{session_id}/events", s.listEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type startRequest struct {
	ModuleID string `json:"module_id"`
}

type startResponse struct {
	SessionID   string           `json:"session_id"`
	UserID      *string          `json:"user_id"`
	GuestID     *string          `json:"guest_id"`
	ModuleID    string           `json:"module_id"`
	OrgSettings domain.OrgPolicy `json:"org_settings"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ModuleID) == "" {
		writeError(w, http.StatusBadRequest, "module_id is required")
		return
	}

	sess := &domain.Session{
		SessionDescriptor: domain.SessionDescriptor{SessionID: uuid.NewString(), ModuleID: req.ModuleID},
		StartedAt:         s.now().UTC(),
	}
	if principal != nil {
		sess.UserID = &principal.UserID
		sess.OrgID = principal.OrgID
	} else {
		guest := uuid.NewString()
		sess.GuestID = &guest
	}
	sess.Policy = domain.DefaultOrgPolicy()
	if s.policies != nil {
		p, err := s.policies.Resolve(r.Context(), sess.OrgID)
		if err != nil {
			log.Printf("telemetry: resolve policy for org %s: %v", sess.OrgID, err)
			writeError(w, http.StatusServiceUnavailable, "policy unavailable")
			return
		}
		sess.Policy = p
	}
	if err := s.repo.StartSession(r.Context(), sess); err != nil {
		log.Printf("telemetry: start session: %v", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID:   sess.SessionID,
		UserID:      sess.UserID,
		GuestID:     sess.GuestID,
		ModuleID:    sess.ModuleID,
		OrgSettings: sess.Policy,
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if _, ok := s.loadSession(r.Context(), w, sessionID, principal); !ok {
		return
	}
	if err := s.repo.EndSession(r.Context(), sessionID, s.now()); err != nil {
		log.Printf("telemetry: end session %s: %v", sessionID, err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": sessionID})
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Inserted int `json:"inserted"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	body, err := requestBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	var batch domain.Batch
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}
	if batch.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if batch.Len() > s.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d events", s.maxBatch))
		return
	}
	for i := range batch.Events {
		if batch.Events[i].SessionID != batch.SessionID {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %s belongs to another session", batch.Events[i].EventID))
			return
		}
		if _, err := uuid.Parse(batch.Events[i].EventID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event_id %q is not a uuid", batch.Events[i].EventID))
			return
		}
	}
	if _, ok := s.loadSession(r.Context(), w, batch.SessionID, principal); !ok {
		return
	}

	inserted, err := s.repo.SaveEvents(r.Context(), batch.Events)
	if err != nil {
		log.Printf("telemetry: save %d events for session %s: %v", batch.Len(), batch.SessionID, err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	s.metrics.Ingested(r.Context(), inserted)
	if s.emitter != nil {
		for i := range batch.Events {
			telemetry.EmitAsync(s.emitter, &batch.Events[i])
		}
	}
	writeJSON(w, http.StatusOK, ingestResponse{Accepted: batch.Len(), Inserted: inserted})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("session_id")
	if _, ok := s.loadSession(r.Context(), w, sessionID, principal); !ok {
		return
	}
	limit, err1 := queryInt(r, "limit", 100, maxListLimit)
	offset, err2 := queryInt(r, "offset", 0, math.MaxInt32)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.repo.ListEvents(r.Context(), sessionID, limit, offset)
	if err != nil {
		log.Printf("telemetry: list events for session %s: %v", sessionID, err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	if events == nil {
		events = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, domain.Batch{SessionID: sessionID, Events: events})
}

// authenticate returns the caller, nil for an anonymous caller, or writes 401 and returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*security.Principal, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if s.authRequired {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return nil, false
		}
		return nil, true
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || s.auth == nil {
		writeError(w, http.StatusUnauthorized, "invalid authorization")
		return nil, false
	}
	p, err := s.auth.ValidateAccess(strings.TrimSpace(token))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return p, true
}

// loadSession fetches the session and checks that principal may write to it. Sessions started by
// a user are closed to everyone else; guest sessions are open to any caller holding the id.
func (s *Server) loadSession(ctx context.Context, w http.ResponseWriter, sessionID string, principal *security.Principal) (*domain.Session, bool) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	if err != nil {
		log.Printf("telemetry: load session %s: %v", sessionID, err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, false
	}
	if sess.UserID != nil && (principal == nil || principal.UserID != *sess.UserID) {
		writeError(w, http.StatusForbidden, "session belongs to another user")
		return nil, false
	}
	return sess, true
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc readCloser) Close() error {
	var err error
	for _, c := range rc.closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// requestBody returns the request body, decompressed when Content-Encoding is gzip, bounded to
// maxBodyBytes after decompression.
func requestBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	raw := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return raw, nil
	case "gzip":
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %v", err)
		}
		return readCloser{Reader: io.LimitReader(zr, maxBodyBytes), closers: []io.Closer{zr, raw}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", r.Header.Get("Content-Encoding"))
	}
}

// queryInt parses a non-negative query parameter no larger than upper.
func queryInt(r *http.Request, key string, def, upper int32) (int32, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 || n > int64(upper) {
		return 0, fmt.Errorf("%s must be an integer between 0 and %d", key, upper)
	}
	return int32(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("telemetry: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
