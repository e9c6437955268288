// Package config provides configuration management for the application.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (config/config.yaml or config.yaml) whose string values may reference
// environment variables as ${VAR} or ${VAR:-default}, then environment
// variables. A .env file in the working directory is loaded first.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chatus/internal/mqttpush"
	"chatus/internal/router"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Origin  OriginConfig  `yaml:"origin"`
	Cache   CacheConfig   `yaml:"cache"`
	Router  router.Config `yaml:"router"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Push    PushConfig    `yaml:"push"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string `yaml:"port"`
	AdminKey        string `yaml:"admin_key"`
	BodySizeLimit   int64  `yaml:"body_size_limit"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// WebsocketPongWait is how long a window may go without answering a ping.
	WebsocketPongWait time.Duration `yaml:"websocket_pong_wait"`
}

// OriginConfig points at the ChatUs origin every network fetch goes to.
type OriginConfig struct {
	URL          string `yaml:"url"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// BreakerFailures consecutive failures open the origin circuit; zero disables it.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// CacheConfig selects the cache backend and the namespace names.
type CacheConfig struct {
	Backend     string   `yaml:"backend"`
	Prefix      string   `yaml:"prefix"`
	Version     string   `yaml:"version"`
	Manifest    []string `yaml:"manifest"`
	SkipWaiting bool     `yaml:"skip_waiting"`
	// PartitionCookies name the cookies that identify a user. Empty means
	// every cookie does.
	PartitionCookies []string `yaml:"partition_cookies"`
	// OpTimeout bounds each storage operation of the database backends.
	OpTimeout time.Duration `yaml:"op_timeout"`

	SQLitePath       string `yaml:"sqlite_path"`
	PostgresURL      string `yaml:"postgres_url"`
	PostgresMaxConns int    `yaml:"postgres_max_conns"`
	MongoURL         string `yaml:"mongo_url"`
	MongoDatabase    string `yaml:"mongo_database"`
	RedisURL         string `yaml:"redis_url"`
	RedisKeyPrefix   string `yaml:"redis_key_prefix"`
}

// TasksConfig sizes the background task queue.
type TasksConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// PushConfig configures push sources and notification relays.
type PushConfig struct {
	// ShoutrrrURLs are extra notification targets (e.g. "telegram://...").
	ShoutrrrURLs []string `yaml:"shoutrrr_urls"`
	// MQTT is used when MQTT.Broker is set.
	MQTT mqttpush.Config `yaml:"mqtt"`
	// SubscriptionTTL is how long a push subscription outlives the last
	// window of its client.
	SubscriptionTTL time.Duration `yaml:"subscription_ttl"`
}

// SyncConfig controls the periodic "update-cache" sync.
type SyncConfig struct {
	// PeriodicInterval of zero disables periodic sync.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
}

// LoggingConfig selects the slog output.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Backends accepted by cache.backend.
var validBackends = []string{"memory", "sqlite", "postgresql", "mongodb", "redis"}

// configPaths are tried in order; the first existing file wins.
var configPaths = []string{"config/config.yaml", "config.yaml"}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              "8080",
			BodySizeLimit:     10 * 1024 * 1024,
			MetricsEndpoint:   "/metrics",
			WebsocketPongWait: 60 * time.Second,
		},
		Origin: OriginConfig{
			URL:             "http://localhost:3000",
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Prefix:  "chatus-",
			Version: "v1.0.0",
			Manifest: []string{
				"/",
				"/manifest.json",
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
			SkipWaiting:      true,
			OpTimeout:        2 * time.Second,
			SQLitePath:       ".cache/chatus-edge.db",
			PostgresMaxConns: 10,
			MongoDatabase:    "chatus",
			RedisKeyPrefix:   "chatus-edge:",
		},
		Router: router.DefaultConfig(),
		Tasks: TasksConfig{
			Workers:     4,
			QueueSize:   256,
			TaskTimeout: 30 * time.Second,
		},
		Push: PushConfig{
			SubscriptionTTL: 24 * time.Hour,
			MQTT: mqttpush.Config{
				Topic:          "chatus/push",
				ClientID:       "chatus-edge",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
			},
		},
		Sync: SyncConfig{
			PeriodicInterval: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load reads configuration from defaults, the optional YAML file and environment.
func Load() (*Config, error) {
	// Load .env file (optional, won't fail if not found)
	_ = godotenv.Load()

	cfg := Defaults()

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() (string, error) {
	for _, p := range configPaths {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	return "", nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := decodeYAML(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// decodeYAML expands environment placeholders in every scalar before decoding,
// so placeholders work for numbers, booleans and durations too.
func decodeYAML(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind == 0 {
		return nil
	}
	expandNode(&root)
	return root.Decode(cfg)
}

func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		if expanded := expandString(n.Value); expanded != n.Value {
			n.Value = expanded
			// Let the decoder infer the type from the expanded text.
			n.Tag = ""
			n.Style = 0
		}
		return
	}
	for _, c := range n.Content {
		expandNode(c)
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default are left as written; empty variables use the default.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

// applyEnvOverrides overrides file and default values with environment variables.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	setString(v, "PORT", &cfg.Server.Port)
	setString(v, "CHATUS_ADMIN_KEY", &cfg.Server.AdminKey)
	setInt64(v, "BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	setBool(v, "METRICS_ENABLED", &cfg.Server.MetricsEnabled)
	setString(v, "METRICS_ENDPOINT", &cfg.Server.MetricsEndpoint)
	setDuration(v, "WEBSOCKET_PONG_WAIT", &cfg.Server.WebsocketPongWait)

	setString(v, "ORIGIN_URL", &cfg.Origin.URL)

	setString(v, "CACHE_BACKEND", &cfg.Cache.Backend)
	setString(v, "CACHE_PREFIX", &cfg.Cache.Prefix)
	setString(v, "CACHE_VERSION", &cfg.Cache.Version)
	setBool(v, "SKIP_WAITING", &cfg.Cache.SkipWaiting)
	if v.IsSet("CACHE_PARTITION_COOKIES") {
		cfg.Cache.PartitionCookies = splitList(v.GetString("CACHE_PARTITION_COOKIES"))
	}
	setDuration(v, "CACHE_OP_TIMEOUT", &cfg.Cache.OpTimeout)
	setString(v, "SQLITE_PATH", &cfg.Cache.SQLitePath)
	setString(v, "POSTGRES_URL", &cfg.Cache.PostgresURL)
	if v.IsSet("POSTGRES_MAX_CONNS") && v.GetString("POSTGRES_MAX_CONNS") != "" {
		cfg.Cache.PostgresMaxConns = v.GetInt("POSTGRES_MAX_CONNS")
	}
	setString(v, "MONGODB_URL", &cfg.Cache.MongoURL)
	setString(v, "MONGODB_DATABASE", &cfg.Cache.MongoDatabase)
	setString(v, "REDIS_URL", &cfg.Cache.RedisURL)

	setDuration(v, "PERIODIC_SYNC_INTERVAL", &cfg.Sync.PeriodicInterval)

	setString(v, "MQTT_BROKER", &cfg.Push.MQTT.Broker)
	setString(v, "MQTT_TOPIC", &cfg.Push.MQTT.Topic)
	setString(v, "MQTT_USERNAME", &cfg.Push.MQTT.Username)
	setString(v, "MQTT_PASSWORD", &cfg.Push.MQTT.Password)
	setDuration(v, "PUSH_SUBSCRIPTION_TTL", &cfg.Push.SubscriptionTTL)
	if v.IsSet("SHOUTRRR_URLS") {
		cfg.Push.ShoutrrrURLs = splitList(v.GetString("SHOUTRRR_URLS"))
	}

	setString(v, "LOG_FORMAT", &cfg.Logging.Format)
	setString(v, "LOG_LEVEL", &cfg.Logging.Level)
}

func setString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) && v.GetString(key) != "" {
		*dst = v.GetBool(key)
	}
}

func setInt64(v *viper.Viper, key string, dst *int64) {
	if v.IsSet(key) && v.GetString(key) != "" {
		*dst = v.GetInt64(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) && v.GetString(key) != "" {
		*dst = v.GetDuration(key)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	u, err := url.Parse(c.Origin.URL)
	switch {
	case c.Origin.URL == "":
		errs = append(errs, errors.New("origin.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("origin.url is invalid: %w", err))
	case u.Scheme != "http" && u.Scheme != "https", u.Host == "":
		errs = append(errs, fmt.Errorf("origin.url must be an absolute http(s) URL, got %q", c.Origin.URL))
	}

	if !contains(validBackends, c.Cache.Backend) {
		errs = append(errs, fmt.Errorf("unknown cache backend: %s (valid: %s)", c.Cache.Backend, strings.Join(validBackends, ", ")))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("cache.prefix is required"))
	}
	if c.Cache.Version == "" {
		errs = append(errs, errors.New("cache.version is required"))
	}
	switch c.Cache.Backend {
	case "postgresql":
		if c.Cache.PostgresURL == "" {
			errs = append(errs, errors.New("cache.postgres_url is required for the postgresql backend"))
		}
	case "mongodb":
		if c.Cache.MongoURL == "" {
			errs = append(errs, errors.New("cache.mongo_url is required for the mongodb backend"))
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	}

	if c.Origin.BreakerFailures < 0 {
		errs = append(errs, errors.New("origin.breaker_failures must not be negative"))
	}
	if c.Cache.OpTimeout < 0 {
		errs = append(errs, errors.New("cache.op_timeout must not be negative"))
	}
	if c.Server.WebsocketPongWait < 0 {
		errs = append(errs, errors.New("server.websocket_pong_wait must not be negative"))
	}
	if c.Push.SubscriptionTTL < 0 {
		errs = append(errs, errors.New("push.subscription_ttl must not be negative"))
	}
	if c.Sync.PeriodicInterval < 0 {
		errs = append(errs, errors.New("sync.periodic_interval must not be negative"))
	}
	if c.Push.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("push.mqtt.qos must be 0, 1 or 2, got %d", c.Push.MQTT.QoS))
	}

	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
