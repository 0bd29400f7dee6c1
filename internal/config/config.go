// Package config handles loading and validation of TenantGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// TENANTGATE_ prefix:
//
//	authority.url → TENANTGATE_AUTHORITY_URL
//	snapshot.cache_ttl → TENANTGATE_SNAPSHOT_CACHE_TTL
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via TENANTGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/tenantgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// CounterMode selects the connection counter backend.
type CounterMode string

const (
	CounterModeMemory CounterMode = "memory"
	CounterModeRedis  CounterMode = "redis"
)

func (m CounterMode) Valid() bool {
	switch m {
	case CounterModeMemory, CounterModeRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level TenantGate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"    envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"     envPrefix:"ADMIN_"`
	Authority AuthorityConfig `yaml:"authority" envPrefix:"AUTHORITY_"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"  envPrefix:"SNAPSHOT_"`
	Admission AdmissionConfig `yaml:"admission" envPrefix:"ADMISSION_"`
	Counter   CounterConfig   `yaml:"counter"   envPrefix:"COUNTER_"`
	Redis     RedisConfig     `yaml:"redis"     envPrefix:"REDIS_"`
	Logging   LoggingConfig   `yaml:"logging"   envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"   envPrefix:"TRACING_"`
}

// ServerConfig holds the admission API server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AuthorityConfig points at the authoritative snapshot source. URL is the
// base endpoint; the fetcher appends the project id as the final path segment.
type AuthorityConfig struct {
	URL     string `yaml:"url"     env:"URL"`
	Timeout string `yaml:"timeout" env:"TIMEOUT"`

	// MaxIdleConns tunes the HTTP connection pool toward the authority.
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
}

// SnapshotConfig controls the per-project snapshot cache.
type SnapshotConfig struct {
	// CacheTTL is how long a fetched snapshot is served without refetching.
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
	// SweepInterval is how often expired entries are purged from memory.
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// AdmissionConfig tunes the admission decision layer.
type AdmissionConfig struct {
	// RetryAfter is the advisory delay returned with retryable denials.
	RetryAfter string `yaml:"retry_after" env:"RETRY_AFTER"`
}

// CounterConfig selects and tunes the connection counter backend.
type CounterConfig struct {
	Mode CounterMode `yaml:"mode" env:"MODE"`
	// KeyPrefix namespaces counter keys when mode is "redis".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig holds Redis connection and topology settings. Only used when
// counter.mode is "redis".
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Authority: AuthorityConfig{
			Timeout:         "5s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		Snapshot: SnapshotConfig{
			CacheTTL:      "30s",
			SweepInterval: "5m",
		},
		Admission: AdmissionConfig{
			RetryAfter: "60s",
		},
		Counter: CounterConfig{
			Mode:      CounterModeMemory,
			KeyPrefix: "tg:conns:",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "tenantgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("TENANTGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/tenantgate/config.yaml and
// can be overridden via TENANTGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "TENANTGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Memory"
// or env values like "REDIS" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Counter.Mode = CounterMode(strings.ToLower(string(cfg.Counter.Mode)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateAuthority(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateCounter(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateAuthority(cfg *Config) error {
	if cfg.Authority.URL == "" {
		return fmt.Errorf("authority.url is required")
	}
	u, err := url.Parse(cfg.Authority.URL)
	if err != nil {
		return fmt.Errorf("invalid authority.url %q: %w", cfg.Authority.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid authority.url %q: scheme and host are required", cfg.Authority.URL)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"authority.timeout", cfg.Authority.Timeout},
		{"authority.idle_conn_timeout", cfg.Authority.IdleConnTimeout},
		{"snapshot.cache_ttl", cfg.Snapshot.CacheTTL},
		{"snapshot.sweep_interval", cfg.Snapshot.SweepInterval},
		{"admission.retry_after", cfg.Admission.RetryAfter},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateCounter(cfg *Config) error {
	if m := cfg.Counter.Mode; m != "" && !m.Valid() {
		return fmt.Errorf("invalid counter.mode %q: must be memory or redis", m)
	}
	if cfg.Counter.Mode != CounterModeRedis {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required when counter.mode is redis")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Authority.URL != old.Authority.URL {
		fields = append(fields, "authority.url")
	}
	if c.Counter.Mode != old.Counter.Mode {
		fields = append(fields, "counter.mode")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	return fields
}
