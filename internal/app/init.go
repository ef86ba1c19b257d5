package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/n1ml03/translateproxy/internal/analytics"
	"github.com/n1ml03/translateproxy/internal/authlimit"
	"github.com/n1ml03/translateproxy/internal/cache"
	"github.com/n1ml03/translateproxy/internal/concurrency"
	"github.com/n1ml03/translateproxy/internal/dedup"
	"github.com/n1ml03/translateproxy/internal/logger"
	"github.com/n1ml03/translateproxy/internal/metrics"
	"github.com/n1ml03/translateproxy/internal/proxy"
	"github.com/n1ml03/translateproxy/internal/ratelimit"
	"github.com/n1ml03/translateproxy/internal/upstream"
)

// initServices builds the cache, deduplicator, limiters, concurrency gate,
// upstream client, request logger, and metrics registry.
func (a *App) initServices(ctx context.Context) error {
	var exclusions *cache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	c, err := cache.New(cache.Options{
		MaxSize:     a.cfg.Cache.MaxSize,
		TTL:         a.cfg.Cache.TTL,
		LockTimeout: a.cfg.Cache.LockTimeout,
		Exclusions:  exclusions,
	})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	a.translationCache = c

	a.dedup = dedup.New(a.cfg.Dedup.Enabled)

	a.rate = ratelimit.New(ratelimit.Options{
		RPM:       a.cfg.RateLimit.RPM,
		Burst:     a.cfg.RateLimit.Burst,
		ClientTTL: a.cfg.RateLimit.ClientTTL,
	})

	a.auth = authlimit.New(authlimit.Options{
		MaxAttempts:    a.cfg.AuthLimit.MaxAttempts,
		WindowSeconds:  a.cfg.AuthLimit.WindowSeconds,
		LockoutSeconds: a.cfg.AuthLimit.LockoutSeconds,
	})

	a.gate = concurrency.New(a.cfg.Concurrency.MaxConcurrentAPICalls)

	a.client = upstream.New(upstream.Options{
		HTTPTimeout:    a.cfg.Upstream.HTTPTimeout,
		ConnectTimeout: a.cfg.Upstream.ConnectTimeout,
		MaxConnections: a.cfg.Upstream.MaxConnections,
		MaxKeepalive:   a.cfg.Upstream.MaxKeepalive,
		DeltaField:     upstream.DeltaField(a.cfg.Upstream.DeltaField),
	})

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initAnalytics opens the optional ClickHouse sink and subscribes it to the
// request logger's flush batches. A no-op when disabled.
func (a *App) initAnalytics(ctx context.Context) error {
	if !a.cfg.Analytics.Enabled {
		a.log.Info("analytics disabled")
		return nil
	}

	sink, err := analytics.NewClickHouseSink(ctx, analytics.Options{
		DSN:      a.cfg.Analytics.DSN,
		Database: a.cfg.Analytics.Database,
		Table:    a.cfg.Analytics.Table,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}

	writer := analytics.NewWriter(a.baseCtx, sink, a.log)
	a.reqLogger.Subscribe(writer.RecordBatch)
	a.analytics = writer

	a.log.Info("analytics enabled", slog.String("database", a.cfg.Analytics.Database), slog.String("table", a.cfg.Analytics.Table))

	return nil
}

// initPipeline wires the pipeline, health checker, and HTTP server.
func (a *App) initPipeline(ctx context.Context) error {
	instanceID := a.cfg.InstanceID
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	a.pipeline = proxy.NewPipeline(proxy.PipelineOptions{
		Cache:           a.translationCache,
		Dedup:           a.dedup,
		RateLimit:       a.rate,
		AuthLimit:       a.auth,
		Gate:            a.gate,
		Upstream:        a.client,
		UpstreamTimeout: a.cfg.Upstream.HTTPTimeout,
		InstanceID:      instanceID,
		Metrics:         a.prom,
		Logger:          a.reqLogger,
	})

	cacheReady := func() bool { return true }

	var dbReady func() bool
	if a.analytics != nil {
		dbReady = a.analytics.Ready
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, instanceID, cacheReady, dbReady, a.prom)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.server = proxy.NewServer(a.pipeline, a.health, instanceID, a.cfg.CORSOrigins)

	return nil
}

func generateInstanceID() string {
	return uuid.New().String()
}
