package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

var keys = []string{
	"HTTP_ADDR", "DATABASE_URL", "JWT_PRIVATE_KEY", "JWT_PUBLIC_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
	"JWT_ACCESS_TTL", "AUTH_REQUIRED", "APP_ENV", "KAFKA_BROKERS", "TELEMETRY_KAFKA_TOPIC",
	"KAFKA_GROUP_ID", "LOKI_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
	"OTEL_SERVICE_NAME", "ORG_POLICY_FILE", "MAX_INGEST_BATCH", "EVENT_SINK_URL", "MAX_BUFFER_SIZE",
	"BRIDGE_ALLOWED_ORIGINS", "BRIDGE_RESPONSE_TIMEOUT", "EXIT_FLUSH_TIMEOUT",
}

// clearEnv blanks every key; viper treats empty env vars as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.MaxBufferSize != 50 {
		t.Errorf("MaxBufferSize = %d, want 50", cfg.MaxBufferSize)
	}
	if cfg.MaxIngestBatch != 500 {
		t.Errorf("MaxIngestBatch = %d, want 500", cfg.MaxIngestBatch)
	}
	if cfg.TelemetryKafkaTopic != "simlab-telemetry" {
		t.Errorf("TelemetryKafkaTopic = %q", cfg.TelemetryKafkaTopic)
	}
	if cfg.AuthRequired {
		t.Error("AuthRequired should default to false")
	}
	if got := cfg.BridgeResponseTimeoutDuration(); got != 10*time.Second {
		t.Errorf("BridgeResponseTimeoutDuration = %v, want 10s", got)
	}
	if got := cfg.ExitFlushTimeoutDuration(); got != 5*time.Second {
		t.Errorf("ExitFlushTimeoutDuration = %v, want 5s", got)
	}
	if cfg.KafkaBrokersList() != nil {
		t.Errorf("KafkaBrokersList = %v, want nil", cfg.KafkaBrokersList())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("MAX_BUFFER_SIZE", "10")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("BRIDGE_ALLOWED_ORIGINS", "https://game.example.com,https://cdn.example.com")
	t.Setenv("EXIT_FLUSH_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.MaxBufferSize != 10 {
		t.Errorf("HTTPAddr = %q, MaxBufferSize = %d", cfg.HTTPAddr, cfg.MaxBufferSize)
	}
	if got := cfg.KafkaBrokersList(); !reflect.DeepEqual(got, []string{"a:9092", "b:9092"}) {
		t.Errorf("KafkaBrokersList = %v", got)
	}
	if got := cfg.BridgeAllowedOriginsList(); len(got) != 2 {
		t.Errorf("BridgeAllowedOriginsList = %v", got)
	}
	if got := cfg.ExitFlushTimeoutDuration(); got != 2*time.Second {
		t.Errorf("ExitFlushTimeoutDuration = %v", got)
	}
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{"auth without key", map[string]string{"AUTH_REQUIRED": "true"}, "JWT_PUBLIC_KEY"},
		{"zero ingest batch", map[string]string{"MAX_INGEST_BATCH": "0"}, "MAX_INGEST_BATCH"},
		{"negative buffer", map[string]string{"MAX_BUFFER_SIZE": "-1"}, "MAX_BUFFER_SIZE"},
		{"wildcard origin", map[string]string{"BRIDGE_ALLOWED_ORIGINS": "https://a.example,*"}, "BRIDGE_ALLOWED_ORIGINS"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("Load err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestDurations_FallBackOnInvalid(t *testing.T) {
	cfg := &Config{JWTAccessTTL: "soon", BridgeResponseTimeout: "-3s", ExitFlushTimeout: ""}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Errorf("AccessTTL = %v", cfg.AccessTTL())
	}
	if cfg.BridgeResponseTimeoutDuration() != 10*time.Second {
		t.Errorf("BridgeResponseTimeoutDuration = %v", cfg.BridgeResponseTimeoutDuration())
	}
	if cfg.ExitFlushTimeoutDuration() != 5*time.Second {
		t.Errorf("ExitFlushTimeoutDuration = %v", cfg.ExitFlushTimeoutDuration())
	}
}

func TestLists_NilConfig(t *testing.T) {
	var cfg *Config
	if cfg.KafkaBrokersList() != nil || cfg.BridgeAllowedOriginsList() != nil {
		t.Error("nil config should return nil lists")
	}
}
