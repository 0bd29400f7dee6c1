// Package server wires the snapshot cache, admission validator, and
// connection counter into the TenantGate HTTP surface: the admission API on
// the main listener and health/metrics on the admin listener.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenantgate/tenantgate/internal/admission"
	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/counter"
	"github.com/tenantgate/tenantgate/internal/observability"
	iredis "github.com/tenantgate/tenantgate/internal/redis"
	"github.com/tenantgate/tenantgate/internal/snapshot"
)

// Server is the main TenantGate server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server

	snapshots *snapshot.Client
	validator *admission.Validator
	conns     counter.Counter
	sweeper   *snapshot.Sweeper
	redis     iredis.Client // nil when counter.mode is "memory"

	health  *observability.HealthChecker
	metrics *observability.Metrics

	// openConns tracks connections admitted through this instance, feeding
	// the open_connections gauge.
	openConns atomic.Int64

	tracingShutdown func(context.Context) error
}

// New creates a new TenantGate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
	}

	conns, err := buildCounter(cfg, logger, health, s)
	if err != nil {
		return nil, err
	}
	s.conns = conns

	fetcher, err := snapshot.NewFetcher(cfg.Authority, logger)
	if err != nil {
		return nil, fmt.Errorf("create snapshot fetcher: %w", err)
	}
	health.SetPinger("authority", fetcher)

	cacheTTL := config.MustParseDuration(cfg.Snapshot.CacheTTL, snapshot.DefaultCacheTTL)
	s.snapshots = snapshot.NewClient(fetcher,
		snapshot.WithTTL(cacheTTL),
		snapshot.WithLogger(logger),
	)

	metrics := observability.NewMetrics(reg,
		s.snapshots.Cache().Len,
		s.openConns.Load,
	)
	s.metrics = metrics
	fetcher.OnResult = metrics.ObserveFetch
	s.snapshots.OnHit = metrics.IncCacheHits
	s.snapshots.OnMiss = metrics.IncCacheMisses

	retryAfter := config.MustParseDuration(cfg.Admission.RetryAfter, admission.DefaultRetryAfter)
	s.validator = admission.NewValidator(s.snapshots, conns,
		admission.WithRetryAfter(retryAfter),
		admission.WithLogger(logger),
	)
	s.validator.OnDecision = func(d admission.Decision) {
		if d.Allowed {
			metrics.IncAdmissionAllowed()
		} else {
			metrics.IncAdmissionDenied(d.Reason)
		}
	}

	sweepInterval := config.MustParseDuration(cfg.Snapshot.SweepInterval, snapshot.DefaultSweepInterval)
	s.sweeper = snapshot.NewSweeper(s.snapshots.Cache(), sweepInterval, logger)
	s.sweeper.OnSweep = metrics.AddSweepRemoved

	s.mainServer = buildMainServer(cfg, s.apiHandler())
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// buildCounter constructs the connection counter backend. In redis mode the
// shared client is also registered for deep health checks and later close.
func buildCounter(cfg *config.Config, logger *slog.Logger, health *observability.HealthChecker, s *Server) (counter.Counter, error) {
	if cfg.Counter.Mode != config.CounterModeRedis {
		return counter.NewMemory(logger), nil
	}

	iredis.WarnInsecure(cfg.Redis.TLS, logger)
	iredis.InitLogger(logger)

	rdb, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s.redis = rdb

	health.SetPinger("redis", observability.PingerFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))

	c := counter.NewRedis(rdb, cfg.Counter.KeyPrefix, logger)
	return c, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// Run starts both the main and admin servers plus the cache sweeper and
// blocks until the context is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go s.sweeper.Start(sweepCtx)

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("tenantgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("admission server starting",
		"address", s.cfg.Server.Address,
		"authority", s.cfg.Authority.URL,
		"counter_mode", string(s.cfg.Counter.Mode))

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("admission server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admission server: %w", err)
	}
}

// Reload applies a changed configuration to the running server. Snapshot TTL
// and the admission retry delay take effect immediately; fields that require
// a restart are logged and skipped.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect",
			"fields", fields)
	}

	cacheTTL := config.MustParseDuration(newCfg.Snapshot.CacheTTL, snapshot.DefaultCacheTTL)
	s.snapshots.SetTTL(cacheTTL)

	retryAfter := config.MustParseDuration(newCfg.Admission.RetryAfter, admission.DefaultRetryAfter)
	s.validator.SetRetryAfter(retryAfter)

	s.logger.Info("configuration reloaded",
		"snapshot_cache_ttl", cacheTTL,
		"admission_retry_after", retryAfter)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var firstErr error
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("admission server shutdown: %w", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("admin server shutdown: %w", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("redis close: %w", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracing shutdown: %w", err)
		}
	}

	s.logger.Info("shutdown complete")
	return firstErr
}
