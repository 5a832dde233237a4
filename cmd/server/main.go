// Server is the telemetry event sink: session start and end, batch ingest, and best-effort
// fan-out of ingested records to Kafka and OTel logs.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simlab-telemetry/internal/config"
	"simlab-telemetry/internal/db"
	"simlab-telemetry/internal/orgpolicy"
	"simlab-telemetry/internal/security"
	"simlab-telemetry/internal/server"
	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/handler"
	"simlab-telemetry/internal/telemetry/metrics"
	telemetryotel "simlab-telemetry/internal/telemetry/otel"
	"simlab-telemetry/internal/telemetry/producer"
	"simlab-telemetry/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	instruments, err := metrics.New(providers.MeterProvider.Meter(metrics.InstrumentationName))
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	var conn *sql.DB
	var repo repository.Repository = repository.NewMemoryRepository()
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions())
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		repo = repository.NewPostgresRepository(conn)
	} else {
		log.Println("server: DATABASE_URL not set; storing telemetry in memory")
	}

	var policySource orgpolicy.OverrideSource
	switch {
	case cfg.OrgPolicyFile != "":
		fs, err := orgpolicy.NewFileSource(cfg.OrgPolicyFile)
		if err != nil {
			log.Fatalf("org policy: %v", err)
		}
		go func() {
			if err := fs.Watch(ctx); err != nil {
				log.Printf("server: org policy watch stopped: %v", err)
			}
		}()
		policySource = fs
	case conn != nil:
		policySource = orgpolicy.NewPostgresSource(conn)
	}

	var auth handler.Authenticator
	if cfg.JWTPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			log.Fatalf("jwt public key: %v", err)
		}
		auth = security.NewTokenProvider(nil, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	}

	emitters := telemetry.MultiEmitter{telemetryotel.NewRecordEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		defer kp.Close()
		emitters = append(emitters, kp)
		log.Printf("server: fanning out records to kafka topic %s", kp.Topic())
	}

	srv, err := server.NewHTTPServer(cfg.HTTPAddr, server.Deps{API: handler.Options{
		Repo:         repo,
		Auth:         auth,
		AuthRequired: cfg.AuthRequired,
		Policies:     orgpolicy.NewResolver(policySource),
		Emitter:      emitters,
		Metrics:      instruments,
		MaxBatch:     cfg.MaxIngestBatch,
	}})
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	go func() {
		log.Printf("telemetry server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down telemetry server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("telemetry server stopped")
}
