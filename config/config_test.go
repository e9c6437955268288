package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultPort(t *testing.T) {
	// Clear any existing environment variables
	_ = os.Unsetenv("PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "chatus-", cfg.Cache.Prefix)
	assert.Equal(t, "v1.0.0", cfg.Cache.Version)
	assert.Equal(t, []string{"/", "/manifest.json", "/icons/icon-192x192.png", "/icons/icon-512x512.png"}, cfg.Cache.Manifest)
	assert.True(t, cfg.Cache.SkipWaiting)
	assert.Equal(t, "/api/", cfg.Router.APIPrefix)
	assert.Equal(t, "chatus-edge", cfg.Push.MQTT.ClientID)
	assert.Empty(t, cfg.Push.MQTT.Broker)
}

func TestLoad_PortFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	configContent := `
server:
  admin_key: "${TEST_ADMIN_KEY}"
  metrics_enabled: true
cache:
  backend: sqlite
  version: v2.0.0
  manifest: ["/", "/offline"]
router:
  api_prefix: /backend/
push:
  shoutrrr_urls:
    - "logger://"
  mqtt:
    broker: tcp://localhost:1883
    qos: 2
logging:
  format: json
  level: debug
`
	t.Setenv("TEST_ADMIN_KEY", "from-env")
	require.NoError(t, os.WriteFile("config.yaml", []byte(configContent), 0644))
	defer os.Remove("config.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.AdminKey)
	assert.True(t, cfg.Server.MetricsEnabled)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "v2.0.0", cfg.Cache.Version)
	assert.Equal(t, "chatus-", cfg.Cache.Prefix, "unset keys keep their defaults")
	assert.Equal(t, []string{"/", "/offline"}, cfg.Cache.Manifest)
	assert.Equal(t, "/backend/", cfg.Router.APIPrefix)
	assert.Equal(t, `^/_next/static/`, cfg.Router.NextStaticPattern)
	assert.Equal(t, []string{"logger://"}, cfg.Push.ShoutrrrURLs)
	assert.Equal(t, "tcp://localhost:1883", cfg.Push.MQTT.Broker)
	assert.Equal(t, byte(2), cfg.Push.MQTT.QoS)
	assert.Equal(t, "chatus/push", cfg.Push.MQTT.Topic)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	require.NoError(t, os.WriteFile("config.yaml", []byte("cache:\n  version: v2.0.0\n"), 0644))
	defer os.Remove("config.yaml")
	t.Setenv("CACHE_VERSION", "v3.0.0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "v3.0.0", cfg.Cache.Version)
}

func TestLoad_InvalidYAML(t *testing.T) {
	require.NoError(t, os.WriteFile("config.yaml", []byte("server: [unclosed"), 0644))
	defer os.Remove("config.yaml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config.yaml")
}

func TestLoad_InvalidBackendFromEnv(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache backend: etcd")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "missing origin",
			modify:  func(cfg *Config) { cfg.Origin.URL = "" },
			wantErr: "origin.url is required",
		},
		{
			name:    "relative origin",
			modify:  func(cfg *Config) { cfg.Origin.URL = "/chat" },
			wantErr: "origin.url must be an absolute http(s) URL",
		},
		{
			name:    "non-http origin",
			modify:  func(cfg *Config) { cfg.Origin.URL = "ftp://chat.example.com" },
			wantErr: "origin.url must be an absolute http(s) URL",
		},
		{
			name:    "empty version",
			modify:  func(cfg *Config) { cfg.Cache.Version = "" },
			wantErr: "cache.version is required",
		},
		{
			name:    "empty prefix",
			modify:  func(cfg *Config) { cfg.Cache.Prefix = "" },
			wantErr: "cache.prefix is required",
		},
		{
			name:    "redis without url",
			modify:  func(cfg *Config) { cfg.Cache.Backend = "redis" },
			wantErr: "cache.redis_url is required",
		},
		{
			name:    "postgresql without url",
			modify:  func(cfg *Config) { cfg.Cache.Backend = "postgresql" },
			wantErr: "cache.postgres_url is required",
		},
		{
			name:    "mongodb without url",
			modify:  func(cfg *Config) { cfg.Cache.Backend = "mongodb" },
			wantErr: "cache.mongo_url is required",
		},
		{
			name:    "negative sync interval",
			modify:  func(cfg *Config) { cfg.Sync.PeriodicInterval = -1 },
			wantErr: "sync.periodic_interval must not be negative",
		},
		{
			name:    "bad qos",
			modify:  func(cfg *Config) { cfg.Push.MQTT.QoS = 3 },
			wantErr: "push.mqtt.qos must be 0, 1 or 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Origin.URL = ""
	cfg.Cache.Version = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin.url is required")
	assert.Contains(t, err.Error(), "cache.version is required")
}
