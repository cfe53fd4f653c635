package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Mode selects which of the four Distribution Plane personalities (§4.E)
// the process runs as.
type Mode string

const (
	ModeDatabase     Mode = "database"
	ModeFile         Mode = "file"
	ModeControlPlane Mode = "control-plane"
	ModeDataPlane    Mode = "data-plane"
)

func (m Mode) valid() bool {
	switch m {
	case ModeDatabase, ModeFile, ModeControlPlane, ModeDataPlane:
		return true
	}
	return false
}

// EnvConfig holds all process configuration loaded from the environment,
// following the 12-factor methodology the way the rest of this module
// loads its settings.
type EnvConfig struct {
	Mode      Mode   `envconfig:"MODE" default:"database"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Proxy listeners (§6 wire — client↔proxy)
	ProxyHTTPPort    int    `envconfig:"PROXY_HTTP_PORT" default:"8000"`
	ProxyHTTPSPort   int    `envconfig:"PROXY_HTTPS_PORT" default:"8443"`
	ProxyHTTP3Port   int    `envconfig:"PROXY_HTTP3_PORT" default:"8444"`
	ProxyTLSCertPath string `envconfig:"PROXY_TLS_CERT_PATH"`
	ProxyTLSKeyPath  string `envconfig:"PROXY_TLS_KEY_PATH"`

	// Admin surface mirrors the proxy listener config; the admin REST
	// surface itself is an external collaborator (§1 out of scope) but
	// its listen address and auth secret are owned here.
	AdminHTTPPort  int    `envconfig:"ADMIN_HTTP_PORT" default:"8001"`
	AdminJWTSecret string `envconfig:"ADMIN_JWT_SECRET"`

	// Database / CP polling mode (§4.E)
	DBType                 string        `envconfig:"DB_TYPE" default:"postgres"`
	DBURL                  string        `envconfig:"DB_URL"`
	DBPollInterval         time.Duration `envconfig:"DB_POLL_INTERVAL" default:"30s"`
	DBPollCheckInterval    time.Duration `envconfig:"DB_POLL_CHECK_INTERVAL" default:"5s"`
	DBIncrementalPolling   bool          `envconfig:"DB_INCREMENTAL_POLLING" default:"true"`
	DBMaxOpenConns         int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns         int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime      time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	DBConnectTimeout       time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`
	DeletionRetention      time.Duration `envconfig:"DELETION_RETENTION" default:"720h"`

	// File mode (§4.E)
	FileConfigPath string `envconfig:"FILE_CONFIG_PATH"`

	// Control Plane mode: gRPC server for Data Plane subscribers (§4.E, §6)
	CPGRPCListenAddr string `envconfig:"CP_GRPC_LISTEN_ADDR" default:"0.0.0.0:9443"`
	CPGRPCJWTSecret  string `envconfig:"CP_GRPC_JWT_SECRET"`

	// Data Plane mode: gRPC client to the Control Plane (§4.E, §6)
	DPCPGRPCURL      string        `envconfig:"DP_CP_GRPC_URL"`
	DPGRPCAuthToken  string        `envconfig:"DP_GRPC_AUTH_TOKEN"`
	DPReconnectMinMs time.Duration `envconfig:"DP_RECONNECT_MIN" default:"1s"`
	DPReconnectMaxMs time.Duration `envconfig:"DP_RECONNECT_MAX" default:"30s"`

	// Optional snapshot resilience cache (repurposed Redis, see SPEC_FULL.md)
	RedisURL        string `envconfig:"REDIS_URL"`
	SnapshotCacheKey string `envconfig:"SNAPSHOT_CACHE_KEY" default:"ferrum:snapshot"`

	// Optional async log-phase publisher (repurposed Kafka, see SPEC_FULL.md)
	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_LOG_TOPIC" default:"ferrum.access-log"`

	// Request limits (§4.F phase 1)
	MaxHeaderSizeBytes int `envconfig:"MAX_HEADER_SIZE_BYTES" default:"16384"`
	MaxBodySizeBytes   int `envconfig:"MAX_BODY_SIZE_BYTES" default:"10485760"`

	// DNS Cache (§4.B)
	DNSCacheTTLSeconds int    `envconfig:"DNS_CACHE_TTL_SECONDS" default:"300"`
	DNSOverridesJSON   string `envconfig:"DNS_OVERRIDES" default:"{}"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load parses EnvConfig from the environment and validates it.
func Load() (*EnvConfig, error) {
	var cfg EnvConfig

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("log_level", cfg.LogLevel).
		Int("proxy_http_port", cfg.ProxyHTTPPort).
		Msg("configuration loaded")

	return &cfg, nil
}

// Validate checks structural and mode-specific requirements.
func (c *EnvConfig) Validate() error {
	if !c.Mode.valid() {
		return fmt.Errorf("invalid MODE: %s", c.Mode)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid LOG_FORMAT: %s", c.LogFormat)
	}

	if _, err := c.DNSOverrides(); err != nil {
		return fmt.Errorf("invalid DNS_OVERRIDES: %w", err)
	}

	switch c.Mode {
	case ModeDatabase, ModeControlPlane:
		if c.DBURL == "" {
			return fmt.Errorf("DB_URL is required in mode %s", c.Mode)
		}
		if c.DBMaxIdleConns > c.DBMaxOpenConns {
			return fmt.Errorf("DB_MAX_IDLE_CONNS cannot exceed DB_MAX_OPEN_CONNS")
		}
	case ModeFile:
		if c.FileConfigPath == "" {
			return fmt.Errorf("FILE_CONFIG_PATH is required in mode %s", c.Mode)
		}
	case ModeDataPlane:
		if c.DPCPGRPCURL == "" {
			return fmt.Errorf("DP_CP_GRPC_URL is required in mode %s", c.Mode)
		}
		if c.DPGRPCAuthToken == "" {
			return fmt.Errorf("DP_GRPC_AUTH_TOKEN is required in mode %s", c.Mode)
		}
	}

	if c.Mode == ModeControlPlane && c.CPGRPCJWTSecret == "" {
		return fmt.Errorf("CP_GRPC_JWT_SECRET is required in mode %s", c.Mode)
	}

	return nil
}

// DNSOverrides parses the DNS_OVERRIDES JSON map (hostname -> literal IP).
func (c *EnvConfig) DNSOverrides() (map[string]string, error) {
	overrides := map[string]string{}
	if c.DNSOverridesJSON == "" {
		return overrides, nil
	}
	if err := json.Unmarshal([]byte(c.DNSOverridesJSON), &overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// IsDataPlane reports whether this process serves client traffic directly
// (Database, File, and Data-Plane modes do; pure Control-Plane does not).
func (c *EnvConfig) IsDataPlane() bool {
	return c.Mode != ModeControlPlane
}
