// Package redis provides a client factory for connecting to Redis in single,
// sentinel, and cluster topologies. The Client interface is kept minimal —
// only the operations needed by the connection counter — to simplify testing
// and keep the coupling surface small.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tenantgate/tenantgate/internal/config"
)

// slogRedisLogger adapts slog.Logger to the go-redis internal.Logging
// interface, so pool errors and failover events land in structured logs.
type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to the given slog.Logger.
// Call once at startup before any Redis client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is the interface TenantGate needs from Redis. go-redis *Client and
// *ClusterClient both satisfy this.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Incr(ctx context.Context, key string) *goredis.IntCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// NewClient creates the appropriate go-redis client for the configured
// topology and verifies connectivity with an initial Ping.
func NewClient(cfg config.RedisConfig) (Client, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}

	var c Client
	var label string

	switch opts.mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.singleOptions())
		label = fmt.Sprintf("single: connect to %s", opts.endpoints[0])
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.failoverOptions())
		label = fmt.Sprintf("sentinel: connect via %v for master %q", opts.endpoints, opts.masterName)
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.clusterOptions())
		label = fmt.Sprintf("cluster: connect to seeds %v", opts.endpoints)
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", opts.mode)
	}

	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	return c, nil
}

// IsNoScriptErr reports whether the error is a NOSCRIPT error from Redis.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// WarnInsecure logs a prominent warning if Redis TLS skip verify is enabled.
// Called at startup from the server package.
func WarnInsecure(cfgTLS config.RedisTLSConfig, logger interface{ Warn(string, ...any) }) {
	if cfgTLS.InsecureSkipVerify {
		logger.Warn("SECURITY WARNING: Redis TLS certificate verification is DISABLED (insecure_skip_verify=true). " +
			"This should NEVER be used in production — it exposes Redis traffic to man-in-the-middle attacks.")
	}
}

// ---------------------------------------------------------------------------
// Internal options parsing and go-redis option builders
// ---------------------------------------------------------------------------

// Retry constants shared by all topologies. go-redis retries transparently
// within each command; -1 means unlimited retries (bounded by the context
// deadline or server timeout).
const (
	defaultMaxRetries      = -1
	defaultMinRetryBackoff = 100 * time.Millisecond
	defaultMaxRetryBackoff = 5 * time.Second
)

type options struct {
	endpoints     []string
	mode          config.RedisMode
	masterName    string
	username      string
	password      string
	db            int
	poolSize      int
	dialTimeout   time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	tlsEnabled    bool
	tlsSkipVerify bool
}

func (o *options) singleOptions() *goredis.Options {
	return &goredis.Options{
		Addr:            o.endpoints[0],
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tlsConfig(),
	}
}

func (o *options) failoverOptions() *goredis.FailoverOptions {
	return &goredis.FailoverOptions{
		MasterName:      o.masterName,
		SentinelAddrs:   o.endpoints,
		Username:        o.username,
		Password:        o.password,
		DB:              o.db,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tlsConfig(),
	}
}

func (o *options) clusterOptions() *goredis.ClusterOptions {
	return &goredis.ClusterOptions{
		Addrs:           o.endpoints,
		Username:        o.username,
		Password:        o.password,
		PoolSize:        o.poolSize,
		DialTimeout:     o.dialTimeout,
		ReadTimeout:     o.readTimeout,
		WriteTimeout:    o.writeTimeout,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		TLSConfig:       o.tlsConfig(),
	}
}

// tlsConfig returns the TLS configuration, or nil when TLS is disabled.
func (o *options) tlsConfig() *tls.Config {
	if !o.tlsEnabled {
		return nil
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if o.tlsSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

func parseOptions(cfg config.RedisConfig) (*options, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := config.ParseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := config.ParseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	return &options{
		endpoints:     cfg.Endpoints,
		mode:          mode,
		masterName:    cfg.MasterName,
		username:      cfg.Username,
		password:      cfg.Password.Value(),
		db:            cfg.DB,
		poolSize:      poolSize,
		dialTimeout:   dialTimeout,
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		tlsEnabled:    cfg.TLS.Enabled,
		tlsSkipVerify: cfg.TLS.InsecureSkipVerify,
	}, nil
}
