package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:   "8081",
			AppEnv: "production",
		},
		Database: DatabaseConfig{URL: "postgres://localhost/basemirror"},
		Upstream: UpstreamConfig{
			APIKey: "key",
			BaseID: "appXYZ",
		},
		Sync: SyncConfig{
			Mode:             SyncModePeriodic,
			Tables:           []string{"Contacts"},
			PeriodicInterval: 10 * time.Minute,
			FailsafeInterval: 6 * time.Hour,
			QueueSize:        64,
		},
		Webhook: WebhookConfig{
			SignatureHeader:   "X-Airtable-Content-MAC",
			FreshnessWindow:   5 * time.Minute,
			RateLimitInterval: time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Auth: AuthConfig{ReadAPIToken: "token"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "DATABASE_URL",
		},
		{
			name:    "missing api key online",
			mutate:  func(c *Config) { c.Upstream.APIKey = "" },
			wantErr: "AIRTABLE_API_KEY",
		},
		{
			name:    "missing base id online",
			mutate:  func(c *Config) { c.Upstream.BaseID = "" },
			wantErr: "AIRTABLE_BASE_ID",
		},
		{
			name:    "invalid sync mode",
			mutate:  func(c *Config) { c.Sync.Mode = "sideways" },
			wantErr: "SYNC_MODE",
		},
		{
			name:    "no tables",
			mutate:  func(c *Config) { c.Sync.Tables = nil },
			wantErr: "SYNC_TABLES",
		},
		{
			name: "periodic mode without interval",
			mutate: func(c *Config) {
				c.Sync.Mode = SyncModePeriodic
				c.Sync.PeriodicInterval = 0
			},
			wantErr: "SYNC_PERIODIC_INTERVAL_SECONDS",
		},
		{
			name: "webhook mode without failsafe interval",
			mutate: func(c *Config) {
				c.Sync.Mode = SyncModeWebhook
				c.Sync.FailsafeInterval = 0
			},
			wantErr: "SYNC_FAILSAFE_INTERVAL_SECONDS",
		},
		{
			name:    "missing read token",
			mutate:  func(c *Config) { c.Auth.ReadAPIToken = "" },
			wantErr: "READ_API_AUTH_TOKEN",
		},
		{
			name: "profiling enabled without endpoint",
			mutate: func(c *Config) {
				c.Profiling.Enabled = true
				c.Profiling.Endpoint = ""
			},
			wantErr: "O11Y_PROFILING_ENDPOINT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_OfflineModeSkipsUpstreamCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.APIKey = ""
	cfg.Upstream.BaseID = ""
	cfg.Upstream.WorkOffline = true

	assert.NoError(t, cfg.Validate())
}

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/basemirror")
	t.Setenv("AIRTABLE_API_KEY", "key")
	t.Setenv("AIRTABLE_BASE_ID", "appXYZ")
	t.Setenv("SYNC_TABLES", "Contacts, Deals")
	t.Setenv("READ_API_AUTH_TOKEN", "token")
	t.Setenv("SYNC_MODE", "webhook")
	t.Setenv("WEBHOOK_RATE_LIMIT_INTERVAL_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, SyncModeWebhook, cfg.Sync.Mode)
	assert.Equal(t, []string{"Contacts", "Deals"}, cfg.Sync.Tables)
	assert.Equal(t, 250*time.Millisecond, cfg.Webhook.RateLimitInterval)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.Equal(t, "X-Airtable-Content-MAC", cfg.Webhook.SignatureHeader)
	assert.Equal(t, 64, cfg.Sync.QueueSize)
	assert.Equal(t, 6*time.Hour, cfg.Sync.FailsafeInterval)
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		expected bool
	}{
		{
			name:     "development environment",
			config:   &Config{Server: ServerConfig{AppEnv: "development"}},
			expected: true,
		},
		{
			name:     "debug gin mode",
			config:   &Config{Server: ServerConfig{GinMode: "debug"}},
			expected: true,
		},
		{
			name:     "production environment",
			config:   &Config{Server: ServerConfig{AppEnv: "production", GinMode: "release"}},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.IsDevelopment())
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , b ,"))
	assert.Empty(t, splitAndTrim(""))
}
