package orgpolicy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"simlab-telemetry/internal/db"
	"simlab-telemetry/internal/db/migrate"
	"simlab-telemetry/internal/telemetry/domain"
)

type mockSource struct {
	o   *domain.PolicyOverride
	err error
}

func (m mockSource) Overrides(context.Context, string) (*domain.PolicyOverride, error) {
	return m.o, m.err
}

func ptr[T any](v T) *T { return &v }

func TestResolver_Resolve(t *testing.T) {
	lookupErr := errors.New("db down")
	mouse := domain.DefaultOrgPolicy()
	mouse.CaptureMouse = true

	testCases := []struct {
		name    string
		source  OverrideSource
		orgID   string
		want    domain.OrgPolicy
		wantErr error
	}{
		{"nil source", nil, "acme", domain.DefaultOrgPolicy(), nil},
		{"guest", mockSource{o: &domain.PolicyOverride{CaptureMouse: ptr(true)}}, "", domain.DefaultOrgPolicy(), nil},
		{"no overrides", mockSource{}, "acme", domain.DefaultOrgPolicy(), nil},
		{"override applied", mockSource{o: &domain.PolicyOverride{CaptureMouse: ptr(true)}}, "acme", mouse, nil},
		{"invalid override falls back", mockSource{o: &domain.PolicyOverride{SamplingRate: ptr(2.0)}}, "acme", domain.DefaultOrgPolicy(), nil},
		{"lookup error", mockSource{err: lookupErr}, "acme", domain.OrgPolicy{}, lookupErr},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewResolver(tc.source).Resolve(context.Background(), tc.orgID)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Resolve err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Resolve = %+v, want %+v", got, tc.want)
			}
		})
	}
}

const policyYAML = `
orgs:
  acme:
    capture_mouse: true
    sampling_rate: 0.25
  quiet:
    telemetry_enabled: false
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, policyYAML)
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	r := NewResolver(src)

	acme, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !acme.CaptureMouse || acme.SamplingRate != 0.25 || !acme.CaptureKeyboard || acme.MaxEventsPerSession != 10000 {
		t.Errorf("acme = %+v", acme)
	}
	quiet, _ := r.Resolve(context.Background(), "quiet")
	if quiet.TelemetryEnabled {
		t.Error("quiet should have telemetry disabled")
	}
	other, _ := r.Resolve(context.Background(), "other")
	if other != domain.DefaultOrgPolicy() {
		t.Errorf("unknown org = %+v, want defaults", other)
	}

	writeFile(t, path, "orgs: [not, a, map]")
	if err := src.Reload(); err == nil {
		t.Error("Reload should fail on malformed YAML")
	}
	acme, _ = r.Resolve(context.Background(), "acme")
	if !acme.CaptureMouse {
		t.Error("failed reload should keep the previous contents")
	}
}

func TestNewFileSource_Missing(t *testing.T) {
	if _, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("NewFileSource should fail for a missing file")
	}
}

func TestFileSource_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, policyYAML)
	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeFile(t, path, "orgs:\n  acme:\n    capture_mouse: false\n")
		o, _ := src.Overrides(context.Background(), "acme")
		if o != nil && o.CaptureMouse != nil && !*o.CaptureMouse {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up the rewritten file")
}

func TestPostgresSource(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres org policy test")
	}
	if err := migrate.Run(dsn, migrate.Up); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn, db.DefaultPoolOptions())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer conn.Close()

	src := NewPostgresSource(conn)
	if err := src.Upsert(ctx, "pg-org", &domain.PolicyOverride{BatchIntervalMs: ptr(1000)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	p, err := NewResolver(src).Resolve(ctx, "pg-org")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.BatchIntervalMs != 1000 {
		t.Errorf("BatchIntervalMs = %d, want 1000", p.BatchIntervalMs)
	}
	if o, err := src.Overrides(ctx, "pg-missing"); o != nil || err != nil {
		t.Errorf("Overrides(missing) = %v, %v", o, err)
	}
}
