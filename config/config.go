package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sync modes. Exactly one is active per process lifetime, selected at startup.
const (
	SyncModePeriodic = "periodic"
	SyncModeWebhook  = "webhook"
	SyncModeManual   = "manual"
)

// Config holds all application configuration
//
//nolint:govet // Field alignment optimization would reduce readability
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Upstream      UpstreamConfig
	Sync          SyncConfig
	Webhook       WebhookConfig
	Auth          AuthConfig
	Snapshot      SnapshotConfig
	Downstream    DownstreamConfig
	Logging       LoggingConfig
	Observability ObservabilityConfig
	Profiling     ProfilingConfig
	Cache         CacheConfig
}

type ServerConfig struct {
	Port           string
	GinMode        string
	AppEnv         string
	BaseURL        string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type UpstreamConfig struct {
	APIKey      string
	BaseID      string
	WorkOffline bool
}

type SyncConfig struct {
	Mode             string
	Tables           []string
	PeriodicInterval time.Duration
	FailsafeInterval time.Duration
	InitialRebuild   bool
	QueueSize        int
}

type WebhookConfig struct {
	SignatureHeader   string
	FreshnessWindow   time.Duration
	RateLimitInterval time.Duration
	MaxBodyBytes      int64
}

type AuthConfig struct {
	ReadAPIToken     string
	ReadAPITokenAlt  string
	OpsJWTSecret     string
	OpsJWTIssuer     string
	OpsTokenTTLHours int
}

type SnapshotConfig struct {
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Endpoint        string
	Region          string
}

type DownstreamConfig struct {
	RefreshCompletedTriggerURL string
}

type LoggingConfig struct {
	Level string
	Dir   string
}

type ObservabilityConfig struct {
	OTLPEndpoint      string
	ServiceName       string
	ServiceNamespace  string
	ServiceVersion    string
	ServiceInstanceID string
}

type ProfilingConfig struct {
	Enabled               bool
	Endpoint              string
	AppName               string
	SampleTypes           string
	UploadIntervalSeconds int
}

type CacheConfig struct {
	RecordTTLSeconds   int  // Read-side record cache TTL in seconds
	DisableRecordCache bool // Read from the active slot on every request
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("PORT", "8081")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("BASE_URL", "http://localhost:8081")
	v.SetDefault("ALLOWED_CORS_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DIR", "/app/logs")
	v.SetDefault("SYNC_MODE", SyncModePeriodic)
	v.SetDefault("SYNC_PERIODIC_INTERVAL_SECONDS", 600)
	v.SetDefault("SYNC_FAILSAFE_INTERVAL_SECONDS", 6*3600)
	v.SetDefault("SYNC_INITIAL_REBUILD", true)
	v.SetDefault("SYNC_QUEUE_SIZE", 64)
	v.SetDefault("WEBHOOK_SIGNATURE_HEADER", "X-Airtable-Content-MAC")
	v.SetDefault("WEBHOOK_FRESHNESS_WINDOW_SECONDS", 300)
	v.SetDefault("WEBHOOK_RATE_LIMIT_INTERVAL_MS", 1000)
	v.SetDefault("WEBHOOK_MAX_BODY_BYTES", 1*1024*1024)
	v.SetDefault("O11Y_EXPORTER_ENDPOINT", "")
	v.SetDefault("O11Y_SERVICE_NAME", "basemirror-api")
	v.SetDefault("O11Y_SERVICE_NAMESPACE", "basemirror")
	v.SetDefault("O11Y_SERVICE_VERSION", "1.0.0")
	v.SetDefault("O11Y_PROFILING_ENABLED", false)
	v.SetDefault("O11Y_PROFILING_APP_NAME", "basemirror-api")
	v.SetDefault("O11Y_PROFILING_SAMPLE_TYPES", "cpu,alloc_space,alloc_objects,goroutines,mutex,block")
	v.SetDefault("O11Y_PROFILING_UPLOAD_INTERVAL_SECONDS", 15)
	v.SetDefault("RECORD_CACHE_TTL", 60)
	v.SetDefault("DISABLE_RECORD_CACHE", false)
	v.SetDefault("OPS_JWT_ISSUER", "basemirror-api")
	v.SetDefault("OPS_TOKEN_TTL_HOURS", 24)

	// Automatically read environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	_ = v.ReadInConfig() //nolint:errcheck // Ignore error if .env file doesn't exist

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("PORT"),
			GinMode:        v.GetString("GIN_MODE"),
			AppEnv:         v.GetString("APP_ENV"),
			BaseURL:        v.GetString("BASE_URL"),
			AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_CORS_ORIGINS")),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("DATABASE_URL"),
			MaxConns: 20,
			MinConns: 2,
		},
		Upstream: UpstreamConfig{
			APIKey:      v.GetString("AIRTABLE_API_KEY"),
			BaseID:      v.GetString("AIRTABLE_BASE_ID"),
			WorkOffline: v.GetBool("UPSTREAM_WORK_OFFLINE"),
		},
		Sync: SyncConfig{
			Mode:             v.GetString("SYNC_MODE"),
			Tables:           splitAndTrim(v.GetString("SYNC_TABLES")),
			PeriodicInterval: time.Duration(v.GetInt("SYNC_PERIODIC_INTERVAL_SECONDS")) * time.Second,
			FailsafeInterval: time.Duration(v.GetInt("SYNC_FAILSAFE_INTERVAL_SECONDS")) * time.Second,
			InitialRebuild:   v.GetBool("SYNC_INITIAL_REBUILD"),
			QueueSize:        v.GetInt("SYNC_QUEUE_SIZE"),
		},
		Webhook: WebhookConfig{
			SignatureHeader:   v.GetString("WEBHOOK_SIGNATURE_HEADER"),
			FreshnessWindow:   time.Duration(v.GetInt("WEBHOOK_FRESHNESS_WINDOW_SECONDS")) * time.Second,
			RateLimitInterval: time.Duration(v.GetInt("WEBHOOK_RATE_LIMIT_INTERVAL_MS")) * time.Millisecond,
			MaxBodyBytes:      v.GetInt64("WEBHOOK_MAX_BODY_BYTES"),
		},
		Auth: AuthConfig{
			ReadAPIToken:     v.GetString("READ_API_AUTH_TOKEN"),
			ReadAPITokenAlt:  v.GetString("READ_API_AUTH_TOKEN_ALT"),
			OpsJWTSecret:     v.GetString("OPS_JWT_SECRET"),
			OpsJWTIssuer:     v.GetString("OPS_JWT_ISSUER"),
			OpsTokenTTLHours: v.GetInt("OPS_TOKEN_TTL_HOURS"),
		},
		Snapshot: SnapshotConfig{
			AccessKeyID:     v.GetString("SNAPSHOT_STORAGE_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("SNAPSHOT_STORAGE_SECRET_ACCESS_KEY"),
			BucketName:      v.GetString("SNAPSHOT_STORAGE_BUCKET_NAME"),
			Endpoint:        v.GetString("SNAPSHOT_STORAGE_ENDPOINT"),
			Region:          v.GetString("SNAPSHOT_STORAGE_REGION"),
		},
		Downstream: DownstreamConfig{
			RefreshCompletedTriggerURL: v.GetString("REFRESH_COMPLETED_TRIGGER_URL"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("LOG_LEVEL"),
			Dir:   v.GetString("LOG_DIR"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:      v.GetString("O11Y_EXPORTER_ENDPOINT"),
			ServiceName:       v.GetString("O11Y_SERVICE_NAME"),
			ServiceNamespace:  v.GetString("O11Y_SERVICE_NAMESPACE"),
			ServiceVersion:    v.GetString("O11Y_SERVICE_VERSION"),
			ServiceInstanceID: v.GetString("SERVICE_INSTANCE_ID"),
		},
		Profiling: ProfilingConfig{
			Enabled:               v.GetBool("O11Y_PROFILING_ENABLED"),
			Endpoint:              v.GetString("O11Y_PROFILING_ENDPOINT"),
			AppName:               v.GetString("O11Y_PROFILING_APP_NAME"),
			SampleTypes:           v.GetString("O11Y_PROFILING_SAMPLE_TYPES"),
			UploadIntervalSeconds: v.GetInt("O11Y_PROFILING_UPLOAD_INTERVAL_SECONDS"),
		},
		Cache: CacheConfig{
			RecordTTLSeconds:   v.GetInt("RECORD_CACHE_TTL"),
			DisableRecordCache: v.GetBool("DISABLE_RECORD_CACHE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration values are set
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !c.Upstream.WorkOffline {
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("AIRTABLE_API_KEY is required when not in offline mode")
		}
		if c.Upstream.BaseID == "" {
			return fmt.Errorf("AIRTABLE_BASE_ID is required when not in offline mode")
		}
	}

	switch c.Sync.Mode {
	case SyncModePeriodic, SyncModeWebhook, SyncModeManual:
	default:
		return fmt.Errorf("SYNC_MODE must be one of periodic, webhook, manual (got %q)", c.Sync.Mode)
	}

	if len(c.Sync.Tables) == 0 {
		return fmt.Errorf("SYNC_TABLES is required (comma-separated upstream table names)")
	}

	if c.Sync.Mode == SyncModePeriodic && c.Sync.PeriodicInterval <= 0 {
		return fmt.Errorf("SYNC_PERIODIC_INTERVAL_SECONDS must be positive in periodic mode")
	}
	if c.Sync.Mode == SyncModeWebhook && c.Sync.FailsafeInterval <= 0 {
		return fmt.Errorf("SYNC_FAILSAFE_INTERVAL_SECONDS must be positive in webhook mode")
	}

	if c.Webhook.RateLimitInterval <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT_INTERVAL_MS must be positive")
	}
	if c.Webhook.FreshnessWindow <= 0 {
		return fmt.Errorf("WEBHOOK_FRESHNESS_WINDOW_SECONDS must be positive")
	}

	if c.Auth.ReadAPIToken == "" {
		return fmt.Errorf("READ_API_AUTH_TOKEN is required")
	}

	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.Profiling.Enabled && c.Profiling.Endpoint == "" {
		return fmt.Errorf("O11Y_PROFILING_ENDPOINT is required when profiling is enabled")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.AppEnv == "development" || c.Server.GinMode == "debug"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.AppEnv == "production"
}

// splitAndTrim parses a comma-separated list, dropping empty entries
func splitAndTrim(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
