// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initDomain    — memDB seed, org config resolver, connector factory,
//     plugin registry, sharing service, tool resolver, ingestion engine
//  3. initServices  — cache backend, Prometheus metrics registry
//  4. initGateway   — proxy + KB HTTP routes + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lamb-project/completion-gateway/internal/analytics"
	"github.com/lamb-project/completion-gateway/internal/assistant"
	npCache "github.com/lamb-project/completion-gateway/internal/cache"
	"github.com/lamb-project/completion-gateway/internal/config"
	"github.com/lamb-project/completion-gateway/internal/ingest"
	ingestplugins "github.com/lamb-project/completion-gateway/internal/ingest/plugins"
	"github.com/lamb-project/completion-gateway/internal/kbquery"
	"github.com/lamb-project/completion-gateway/internal/logger"
	"github.com/lamb-project/completion-gateway/internal/metrics"
	"github.com/lamb-project/completion-gateway/internal/plugins"
	"github.com/lamb-project/completion-gateway/internal/proxy"
	"github.com/lamb-project/completion-gateway/internal/sharing"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger      *logger.Logger
	memCache       *npCache.MemoryCache
	analyticsStore *analytics.ClickHouseInternalStore
	analyticsS     *analytics.Service

	prom *metrics.Registry

	db       *memDB
	chroma   *chromaStore
	imgStore *localImageStore
	pluginsR *plugins.Registry
	ingestEn *ingest.Engine
	pool     *ingest.WorkerPool
	sweeper  *ingest.StaleSweeper
	sharingS *sharing.Service
	exec     *assistant.Executor
	kb       *kbAPI

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
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
		{"infra", a.initInfra},
		{"domain", a.initDomain},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the ingestion worker pool, and the stale-job
// sweep, and blocks until ctx is cancelled or an error occurs. It closes
// the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})

	if a.sweeper != nil {
		a.sweeper.Start()
	}

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt, combineRoutes(a.kb.routes(), sharingRoutes(a.sharingS, a.db), analyticsRoutes(a.analyticsS)))
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
		a.sweeper = nil
	}
	if a.pool != nil {
		a.pool.Wait()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.analyticsStore != nil {
		if err := a.analyticsStore.Close(); err != nil {
			a.log.Error("analytics store close error", slog.String("error", err.Error()))
		}
		a.analyticsStore = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// combineRoutes merges any number of route registrars into one, applied
// in order — each subsystem (KB, sharing) owns its own routes and knows
// nothing about the others.
func combineRoutes(registrars ...proxy.RouteRegistrar) proxy.RouteRegistrar {
	return func(r *router.Router) {
		for _, reg := range registrars {
			if reg != nil {
				reg(r)
			}
		}
	}
}

// buildQueryPlugins registers the baseline query plugin table: every
// collection gets the "default" vector-similarity plugin with no extra
// processing (C7). Additional query plugins, if any, register alongside
// it the same way pluginsR.RegisterIngest is extended for new ingest
// plugins.
func buildQueryPlugins(reg *plugins.Registry, store kbquery.VectorStore) {
	reg.RegisterQuery(kbquery.DefaultPlugin{Store: store})
}

// buildIngestPlugins registers the five ingestion plugins C6 names:
// standard, by_page, by_section, hierarchical, and pdf (text/image
// extraction from PDF sources).
func buildIngestPlugins(reg *plugins.Registry) {
	reg.RegisterIngest(ingestplugins.StandardPlugin{})
	reg.RegisterIngest(ingestplugins.ByPagePlugin{})
	reg.RegisterIngest(ingestplugins.BySectionPlugin{})
	reg.RegisterIngest(ingestplugins.HierarchicalPlugin{})
	reg.RegisterIngest(ingestplugins.PDFPlugin{})
}
