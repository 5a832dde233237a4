// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration shared by the ingest server, the worker and the client tooling.
type Config struct {
	// HTTPAddr is the address the event sink server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty runs the server on the in-memory repository.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key or path to file. Only needed to issue tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; required when AuthRequired.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// AuthRequired rejects telemetry requests without a valid bearer token. When false, anonymous
	// callers get a guest id.
	AuthRequired bool `mapstructure:"AUTH_REQUIRED"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, ingested records
	// are fanned out to TelemetryKafkaTopic.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes records (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// OrgPolicyFile is an optional YAML file of per-organization policy overrides.
	OrgPolicyFile string `mapstructure:"ORG_POLICY_FILE"`
	// MaxIngestBatch caps the records accepted in one upload.
	MaxIngestBatch int `mapstructure:"MAX_INGEST_BATCH"`

	// Client side.
	EventSinkURL          string `mapstructure:"EVENT_SINK_URL"`
	MaxBufferSize         int    `mapstructure:"MAX_BUFFER_SIZE"`
	BridgeAllowedOrigins  string `mapstructure:"BRIDGE_ALLOWED_ORIGINS"`
	BridgeResponseTimeout string `mapstructure:"BRIDGE_RESPONSE_TIMEOUT"`
	ExitFlushTimeout      string `mapstructure:"EXIT_FLUSH_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "simlab-auth")
	v.SetDefault("JWT_AUDIENCE", "simlab-telemetry")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("AUTH_REQUIRED", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "simlab-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "simlab-telemetry-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_SERVICE_NAME", "simlab-telemetry")
	v.SetDefault("ORG_POLICY_FILE", "")
	v.SetDefault("MAX_INGEST_BATCH", 500)
	v.SetDefault("EVENT_SINK_URL", "")
	v.SetDefault("MAX_BUFFER_SIZE", 50)
	v.SetDefault("BRIDGE_ALLOWED_ORIGINS", "")
	v.SetDefault("BRIDGE_RESPONSE_TIMEOUT", "10s")
	v.SetDefault("EXIT_FLUSH_TIMEOUT", "5s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AuthRequired && cfg.JWTPublicKey == "" {
		return nil, errors.New("config: AUTH_REQUIRED needs JWT_PUBLIC_KEY")
	}
	if cfg.MaxIngestBatch <= 0 {
		return nil, errors.New("config: MAX_INGEST_BATCH must be positive")
	}
	if cfg.MaxBufferSize <= 0 {
		return nil, errors.New("config: MAX_BUFFER_SIZE must be positive")
	}
	for _, o := range cfg.BridgeAllowedOriginsList() {
		if o == "*" {
			return nil, errors.New("config: BRIDGE_ALLOWED_ORIGINS must list explicit origins, not *")
		}
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// BridgeResponseTimeoutDuration parses BridgeResponseTimeout. Returns 10s if unset or invalid.
func (c *Config) BridgeResponseTimeoutDuration() time.Duration {
	return parseDuration(c.BridgeResponseTimeout, 10*time.Second)
}

// ExitFlushTimeoutDuration parses ExitFlushTimeout. Returns 5s if unset or invalid.
func (c *Config) ExitFlushTimeoutDuration() time.Duration {
	return parseDuration(c.ExitFlushTimeout, 5*time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka fan-out.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// BridgeAllowedOriginsList returns the origins the bridge accepts messages from.
func (c *Config) BridgeAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.BridgeAllowedOrigins)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
