// Package server assembles the telemetry HTTP server from its dependencies.
package server

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"simlab-telemetry/internal/server/middleware"
	"simlab-telemetry/internal/telemetry/handler"
)

// TracerName is the instrumentation scope of request spans.
const TracerName = "simlab-telemetry/http"

// Deps holds the server's dependencies.
type Deps struct {
	// API configures the telemetry endpoints.
	API handler.Options
	// Tracer traces requests; nil uses the global TracerProvider.
	Tracer trace.Tracer
}

// NewHandler returns the API wrapped in recovery, tracing and access logging.
func NewHandler(deps Deps) (http.Handler, error) {
	api, err := handler.NewServer(deps.API)
	if err != nil {
		return nil, err
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return middleware.Chain(api.Routes(),
		middleware.Recover,
		middleware.Trace(tracer),
		middleware.AccessLog(map[string]bool{"/healthz": true}),
	), nil
}

// NewHTTPServer returns an http.Server for addr with conservative timeouts.
func NewHTTPServer(addr string, deps Deps) (*http.Server, error) {
	h, err := NewHandler(deps)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}, nil
}
