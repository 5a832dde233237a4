package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"simlab-telemetry/internal/security"
	"simlab-telemetry/internal/telemetry/domain"
	"simlab-telemetry/internal/telemetry/repository"
	"simlab-telemetry/internal/telemetry/sink"
)

type mockEmitter struct {
	mu      sync.Mutex
	records []string
	done    chan struct{}
	want    int
}

func (m *mockEmitter) Emit(_ context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r.EventID)
	if len(m.records) == m.want {
		close(m.done)
	}
	return nil
}

type mockPolicies struct {
	policy domain.OrgPolicy
	err    error
	orgs   []string
}

func (m *mockPolicies) Resolve(_ context.Context, orgID string) (domain.OrgPolicy, error) {
	m.orgs = append(m.orgs, orgID)
	return m.policy, m.err
}

// failingRepo fails every write.
type failingRepo struct {
	*repository.MemoryRepository
}

func (failingRepo) SaveEvents(context.Context, []domain.Record) (int, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	srv    *httptest.Server
	repo   repository.Repository
	tokens *security.TokenProvider
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if opts.Repo == nil {
		opts.Repo = repository.NewMemoryRepository()
	}
	if opts.Auth == nil {
		opts.Auth = tokens
	}
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: opts.Repo, tokens: tokens}
}

func (f *fixture) sessions(t *testing.T, token sink.TokenSource) *sink.SessionClient {
	t.Helper()
	c, err := sink.NewSessionClient(f.srv.URL, sink.Options{Client: f.srv.Client(), Token: token})
	if err != nil {
		t.Fatalf("NewSessionClient: %v", err)
	}
	return c
}

func (f *fixture) events(t *testing.T, token sink.TokenSource, gzip bool) *sink.HTTPSink {
	t.Helper()
	s, err := sink.New(f.srv.URL+sink.PathEvents, sink.Options{Client: f.srv.Client(), Token: token, Gzip: gzip})
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}
	return s
}

func records(t *testing.T, d domain.SessionDescriptor, n int) []domain.Record {
	t.Helper()
	out := make([]domain.Record, n)
	for i := range out {
		rec, err := domain.NewRecord(d, domain.KeyDown{KeyStroke: domain.KeyStroke{Code: "KeyW"}}, time.Now().Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		out[i] = rec
	}
	return out
}

func statusOf(err error) int {
	var se *sink.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Error("NewServer without repository should fail")
	}
	if _, err := NewServer(Options{Repo: repository.NewMemoryRepository(), AuthRequired: true}); err == nil {
		t.Error("NewServer requiring auth without authenticator should fail")
	}
}

func TestStartSession_Guest(t *testing.T) {
	f := newFixture(t, Options{})
	started, err := f.sessions(t, nil).Start(context.Background(), "module-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.SessionID == "" || started.GuestID == nil || started.UserID != nil {
		t.Errorf("started = %+v, want guest session", started)
	}
	if started.OrgSettings != domain.DefaultOrgPolicy() {
		t.Errorf("org settings = %+v, want defaults", started.OrgSettings)
	}
	stored, err := f.repo.GetSession(context.Background(), started.SessionID)
	if err != nil || stored.ModuleID != "module-1" {
		t.Errorf("stored session = %+v, %v", stored, err)
	}
}

func TestStartSession_AuthenticatedResolvesOrgPolicy(t *testing.T) {
	policy := domain.DefaultOrgPolicy()
	policy.CaptureMouse = true
	policies := &mockPolicies{policy: policy}
	f := newFixture(t, Options{Policies: policies})

	started, err := f.sessions(t, f.tokens.TokenSource("user-7", "acme")).Start(context.Background(), "module-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.UserID == nil || *started.UserID != "user-7" || started.GuestID != nil {
		t.Errorf("started = %+v, want user session", started)
	}
	if !started.OrgSettings.CaptureMouse {
		t.Error("org policy not applied")
	}
	if len(policies.orgs) != 1 || policies.orgs[0] != "acme" {
		t.Errorf("resolved orgs = %v", policies.orgs)
	}
}

func TestStartSession_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		opts   Options
		token  sink.TokenSource
		module string
		want   int
	}{
		{"auth required", Options{AuthRequired: true}, nil, "m", http.StatusUnauthorized},
		{"bad token", Options{}, sink.StaticToken("garbage"), "m", http.StatusUnauthorized},
		{"missing module", Options{}, nil, " ", http.StatusBadRequest},
		{"policy failure", Options{Policies: &mockPolicies{err: errors.New("db down")}}, nil, "m", http.StatusServiceUnavailable},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.opts)
			_, err := f.sessions(t, tc.token).Start(context.Background(), tc.module)
			if got := statusOf(err); got != tc.want {
				t.Errorf("status = %d (%v), want %d", got, err, tc.want)
			}
		})
	}
}

func TestIngest_StoresAndFansOut(t *testing.T) {
	emitter := &mockEmitter{done: make(chan struct{}), want: 3}
	f := newFixture(t, Options{Emitter: emitter})
	ctx := context.Background()
	started, err := f.sessions(t, nil).Start(ctx, "module-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	batch := &domain.Batch{SessionID: started.SessionID, Events: records(t, started.Descriptor(), 3)}

	for _, gzip := range []bool{true, false} {
		if err := f.events(t, nil, gzip).Deliver(ctx, batch); err != nil {
			t.Fatalf("Deliver(gzip=%v): %v", gzip, err)
		}
	}
	stored, err := f.repo.ListEvents(ctx, started.SessionID, 0, 0)
	if err != nil || len(stored) != 3 {
		t.Fatalf("stored %d events (%v), want 3 after redelivery", len(stored), err)
	}
	select {
	case <-emitter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("records were not fanned out")
	}
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t, Options{MaxBatch: 2})
	ctx := context.Background()
	guest, _ := f.sessions(t, nil).Start(ctx, "module-1")
	owned, _ := f.sessions(t, f.tokens.TokenSource("owner", "")).Start(ctx, "module-1")

	foreign := records(t, domain.SessionDescriptor{SessionID: "other", ModuleID: "m"}, 1)
	badID := records(t, guest.Descriptor(), 1)
	badID[0].EventID = "not-a-uuid"

	testCases := []struct {
		name  string
		token sink.TokenSource
		batch *domain.Batch
		want  int
	}{
		{"unknown session", nil, &domain.Batch{SessionID: "nope", Events: nil}, http.StatusNotFound},
		{"missing session id", nil, &domain.Batch{}, http.StatusBadRequest},
		{"mismatched record", nil, &domain.Batch{SessionID: guest.SessionID, Events: foreign}, http.StatusBadRequest},
		{"event id not uuid", nil, &domain.Batch{SessionID: guest.SessionID, Events: badID}, http.StatusBadRequest},
		{"too many events", nil, &domain.Batch{SessionID: guest.SessionID, Events: records(t, guest.Descriptor(), 3)}, http.StatusRequestEntityTooLarge},
		{"other user's session", f.tokens.TokenSource("intruder", ""), &domain.Batch{SessionID: owned.SessionID, Events: records(t, owned.Descriptor(), 1)}, http.StatusForbidden},
		{"anonymous on user session", nil, &domain.Batch{SessionID: owned.SessionID, Events: records(t, owned.Descriptor(), 1)}, http.StatusForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.events(t, tc.token, false).Deliver(ctx, tc.batch)
			if got := statusOf(err); got != tc.want {
				t.Errorf("status = %d (%v), want %d", got, err, tc.want)
			}
		})
	}
}

func TestIngest_InvalidPayload(t *testing.T) {
	f := newFixture(t, Options{})
	started, _ := f.sessions(t, nil).Start(context.Background(), "module-1")
	body := `{"session_id":"` + started.SessionID + `","events":[{"event_id":"6f1c2a4e-0000-4000-8000-000000000001","session_id":"` +
		started.SessionID + `","module_id":"module-1","event_type":"key_down","payload":{"code":"KeyA","key":"a"},"timestamp":"2026-03-01T12:00:00.000Z","client_timestamp":1}]}`
	resp, err := http.Post(f.srv.URL+sink.PathEvents, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a payload carrying typed text", resp.StatusCode)
	}
}

func TestIngest_UnsupportedEncoding(t *testing.T) {
	f := newFixture(t, Options{})
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+sink.PathEvents, strings.NewReader("{}"))
	req.Header.Set("Content-Encoding", "br")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIngest_StorageFailureIsRetryable(t *testing.T) {
	f := newFixture(t, Options{Repo: failingRepo{repository.NewMemoryRepository()}})
	ctx := context.Background()
	started, err := f.sessions(t, nil).Start(ctx, "module-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = f.events(t, nil, true).Deliver(ctx, &domain.Batch{SessionID: started.SessionID, Events: records(t, started.Descriptor(), 1)})
	var se *sink.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable || !se.Retryable() {
		t.Errorf("Deliver = %v, want retryable 503", err)
	}
}

func TestEndSessionAndList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	client := f.sessions(t, nil)
	started, _ := client.Start(ctx, "module-1")
	if err := f.events(t, nil, false).Deliver(ctx, &domain.Batch{SessionID: started.SessionID, Events: records(t, started.Descriptor(), 2)}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := client.End(ctx, started.SessionID); err != nil {
		t.Fatalf("End: %v", err)
	}
	stored, _ := f.repo.GetSession(ctx, started.SessionID)
	if !stored.Ended() {
		t.Error("session should be ended")
	}
	if got := statusOf(client.End(ctx, "missing")); got != http.StatusNotFound {
		t.Errorf("End(missing) status = %d, want 404", got)
	}

	resp, err := http.Get(f.srv.URL + "/api/telemetry/sessions/" + started.SessionID + "/events?limit=1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var page domain.Batch
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.SessionID != started.SessionID || len(page.Events) != 1 {
		t.Errorf("page = %+v", page)
	}

	resp2, err := http.Get(f.srv.URL + "/api/telemetry/sessions/" + started.SessionID + "/events?limit=-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", resp2.StatusCode)
	}
}

func TestListEvents_OutOfRangeQuery(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	started, err := f.sessions(t, nil).Start(ctx, "module-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	base := f.srv.URL + "/api/telemetry/sessions/" + started.SessionID + "/events?"

	tests := []struct {
		query string
		want  int
	}{
		{"limit=1000", http.StatusOK},
		{"limit=1001", http.StatusBadRequest},
		{"limit=4294967297", http.StatusBadRequest},
		{"offset=2147483647", http.StatusOK},
		{"offset=2147483648", http.StatusBadRequest},
		{"offset=99999999999999999999", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(base + tt.query)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
