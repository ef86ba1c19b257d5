// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initServices  — cache, dedup, rate limiter, auth limiter, concurrency
//     gate, upstream client, request logger, metrics registry
//  2. initAnalytics — optional ClickHouse analytics sink
//  3. initPipeline  — proxy pipeline, health checker, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/n1ml03/translateproxy/internal/analytics"
	"github.com/n1ml03/translateproxy/internal/authlimit"
	"github.com/n1ml03/translateproxy/internal/cache"
	"github.com/n1ml03/translateproxy/internal/concurrency"
	"github.com/n1ml03/translateproxy/internal/config"
	"github.com/n1ml03/translateproxy/internal/dedup"
	"github.com/n1ml03/translateproxy/internal/logger"
	"github.com/n1ml03/translateproxy/internal/metrics"
	"github.com/n1ml03/translateproxy/internal/proxy"
	"github.com/n1ml03/translateproxy/internal/ratelimit"
	"github.com/n1ml03/translateproxy/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	translationCache *cache.TranslationCache
	dedup            *dedup.Deduplicator
	rate             *ratelimit.Limiter
	auth             *authlimit.Limiter
	gate             *concurrency.Gate
	client           *upstream.Client

	reqLogger *logger.Logger
	analytics *analytics.Writer

	prom *metrics.Registry

	pipeline *proxy.Pipeline
	health   *proxy.HealthChecker
	mgmt     *proxy.ManagementRoutes
	server   *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"services", a.initServices},
		{"analytics", a.initAnalytics},
		{"pipeline", a.initPipeline},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting translation proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("cache_max_size", a.cfg.Cache.MaxSize),
		slog.Bool("analytics_enabled", a.cfg.Analytics.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close stops the health checker, then closes the request logger (whose
// final flush still reaches the analytics writer), then the analytics
// writer. Safe to call more than once; it takes no lock, so calls must not
// overlap.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.analytics = nil
	}
}
