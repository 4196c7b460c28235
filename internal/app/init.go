package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lamb-project/completion-gateway/internal/analytics"
	"github.com/lamb-project/completion-gateway/internal/assistant"
	npCache "github.com/lamb-project/completion-gateway/internal/cache"
	"github.com/lamb-project/completion-gateway/internal/ingest"
	"github.com/lamb-project/completion-gateway/internal/logger"
	"github.com/lamb-project/completion-gateway/internal/metrics"
	"github.com/lamb-project/completion-gateway/internal/orgconfig"
	"github.com/lamb-project/completion-gateway/internal/plugins"
	"github.com/lamb-project/completion-gateway/internal/providers/googleimage"
	"github.com/lamb-project/completion-gateway/internal/proxy"
	"github.com/lamb-project/completion-gateway/internal/ratelimit"
	"github.com/lamb-project/completion-gateway/internal/sharing"
	"github.com/lamb-project/completion-gateway/internal/tools"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initDomain builds the in-process system of record and every C1/C3/C4/
// C5/C6/C7/C8 component on top of it. Nothing here talks to the network
// except the ingestion worker pool and KB query plugins, and those only
// once Run starts the pool.
func (a *App) initDomain(_ context.Context) error {
	a.db = newMemDB()

	if err := bootstrapDefaultOrg(a.db, a.cfg.DefaultOrgOwner, a.cfg.DefaultOrgConfigPath); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// ── C1: org config resolver ──────────────────────────────────────────
	orgResolver := orgconfig.New(orgStore{db: a.db}, 5*time.Minute)

	// ── Image + KB document persistence ──────────────────────────────────
	a.imgStore = newLocalImageStore(a.cfg.ImageStore.Root, a.cfg.ImageStore.PublicURL)
	googleimage.SetIDGenerator(uuid.NewString)
	kbFiles := newLocalKBFileStore(a.cfg.KBStore.Root, a.cfg.KBStore.PublicURL)

	// ── C2: provider connectors, resolved per-owner/per-setup ────────────
	connFactory := newConnectorFactory(orgResolver, a.imgStore)

	// ── C8: plugin registry (ingestion + query plugins) ──────────────────
	a.pluginsR = plugins.New()
	a.chroma = newChromaStore(a.cfg.Chroma.BaseURL)
	buildIngestPlugins(a.pluginsR)
	buildQueryPlugins(a.pluginsR, a.chroma)
	pluginRes := newPluginResolver(a.pluginsR)

	// ── C4: tool registry — Moodle tools only when a site is configured ──
	var moodle *tools.MoodleClient
	if a.cfg.Moodle.URL != "" {
		moodle = tools.NewMoodleClient(a.cfg.Moodle.URL, a.cfg.Moodle.Token)
	}
	toolRes := newToolResolver(moodle)

	// ── C3: assistant executor ────────────────────────────────────────────
	a.exec = assistant.New(assistantStore{db: a.db}, pluginRes, connFactory.Resolve, toolRes)

	// ── C6: KB ingestion engine + worker pool + stale-job sweep ──────────
	a.ingestEn = ingest.New(a.db, a.pluginsR, a.chroma, collectionLookup{db: a.db})
	a.pool = ingest.NewWorkerPool(a.ingestEn, a.cfg.Ingest.Concurrency, a.log)

	sweeper, err := ingest.NewStaleSweeper(a.ingestEn, a.pool, a.cfg.Ingest.StaleAfter, a.cfg.Ingest.SweepSchedule, a.log)
	if err != nil {
		return fmt.Errorf("ingest: stale sweeper: %w", err)
	}
	a.sweeper = sweeper

	// ── C5: sharing & authorization ───────────────────────────────────────
	a.sharingS = sharing.New(sharingStore{db: a.db}, noopGroupSync{})

	// ── C6/C7/C8 HTTP surface ──────────────────────────────────────────────
	a.kb = newKBAPI(a.db, a.pool, a.pluginsR, kbFiles)

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	if a.cfg.ClickHouse.Addr != "" {
		sink, err := logger.NewClickHouseSink(a.baseCtx, a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database, a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.reqLogger.SetClickHouseSink(sink, assistantIDFromModel)
		a.log.Info("analytics sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		// ── C10: analytics read model, backed by the same table ────────────
		internalStore, err := analytics.NewClickHouseInternalStore(a.baseCtx, a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database, a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("analytics: internal store: %w", err)
		}
		a.analyticsStore = internalStore
		a.analyticsS = analytics.New(analytics.NoExternalChats{}, internalStore, nil)
	} else {
		a.log.Info("analytics sink: disabled (slog only)")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ──────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		MaxRetries:      a.cfg.Failover.MaxRetries,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
		APIKey:          a.cfg.GatewayAPIKey,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		CacheReady: cacheReady,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.exec, cacheImpl, opts)

	// ── Optional subsystems ────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — feeds C10's analytics read model.
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ──────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// assistantIDFromModel extracts the numeric id from a "lamb_assistant.<id>"
// model string, mirroring proxy's own parseAssistantModel contract — C10's
// sink needs the same extraction the gateway already performs per request,
// but the logger package can't import proxy (it would cycle back through
// proxy's SetLogger call).
func assistantIDFromModel(model string) (int64, bool) {
	const prefix = "lamb_assistant."
	rest, ok := strings.CutPrefix(model, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	var n int64
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
