package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"simlab-telemetry/internal/telemetry/handler"
	"simlab-telemetry/internal/telemetry/repository"
	"simlab-telemetry/internal/telemetry/sink"
)

func TestNewHandler_RequiresRepository(t *testing.T) {
	if _, err := NewHandler(Deps{}); err == nil {
		t.Error("NewHandler without repository should fail")
	}
}

func TestNewHandler_TracesRoutes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h, err := NewHandler(Deps{
		API:    handler.Options{Repo: repository.NewMemoryRepository()},
		Tracer: tp.Tracer(TracerName),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	client, err := sink.NewSessionClient(srv.URL, sink.Options{Client: srv.Client()})
	if err != nil {
		t.Fatalf("NewSessionClient: %v", err)
	}
	if _, err := client.Start(context.Background(), "module-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "POST /api/telemetry/session/start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusOK {
		t.Errorf("status attribute = %d, want 200", status)
	}
}

func TestNewHTTPServer(t *testing.T) {
	s, err := NewHTTPServer(":0", Deps{API: handler.Options{Repo: repository.NewMemoryRepository()}})
	if err != nil {
		t.Fatalf("NewHTTPServer: %v", err)
	}
	if s.Addr != ":0" || s.Handler == nil || s.ReadHeaderTimeout == 0 {
		t.Errorf("server = %+v", s)
	}
}
