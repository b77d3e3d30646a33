package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/ai"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/audit"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/cache"
	httpserver "github.com/TedBerlin/baguette-metro-sub000/internal/adapter/httpserver"
	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/i18n"
	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/canned"
	"github.com/TedBerlin/baguette-metro-sub000/internal/service/ratelimiter"
	"github.com/TedBerlin/baguette-metro-sub000/internal/usecase"
)

// App holds the wired handler and the resources that must be released on shutdown.
type App struct {
	Cfg       config.Config
	Handler   http.Handler
	Chat      usecase.ChatService
	Advice    usecase.AdviceService
	Redis     redis.UniversalClient
	Audit     audit.Handle
	Retention *audit.RetentionService
}

// ConnectRedis parses url and pings the server, retrying with exponential
// backoff for up to maxElapsed.
func ConnectRedis(ctx context.Context, url string, maxElapsed time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=app.ConnectRedis: %w", err)
	}
	rdb := redis.NewClient(opts)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	op := func() error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis not reachable yet", slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=app.ConnectRedis: %w", err)
	}
	return rdb, nil
}

// ProviderPolicies builds the limiter policy for each provider from cfg.
func ProviderPolicies(cfg config.Config) (ratelimiter.Policy, []ratelimiter.Option) {
	def := ratelimiter.Policy{
		Limit:                  cfg.ProviderRateLimitDefault,
		Window:                 cfg.ProviderRateWindow,
		MinInterval:            cfg.ProviderMinInterval,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Multiplier:             cfg.FailureBackoffMultiplier,
		MaxBackoff:             cfg.FailureMaxBackoff,
		EscalateAfter:          cfg.FailureEscalateAfter,
		EscalatedCooldown:      cfg.FailureEscalatedCooldown,
	}
	var opts []ratelimiter.Option
	for _, name := range []string{domain.ProviderMistral, domain.ProviderOpenAI, domain.ProviderOpenRouter} {
		p := def
		p.Limit = cfg.ProviderRateLimit(name)
		opts = append(opts, ratelimiter.WithPolicy(name, p))
	}
	return def, opts
}

// Build wires every component selected by cfg. rdb may be nil unless
// cfg.StateBackend is "redis".
func Build(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, clientOpts ...ai.ClientOption) (*App, error) {
	routing, err := config.LoadRouting(cfg.RoutingFile)
	if err != nil {
		return nil, fmt.Errorf("op=app.Build: %w", err)
	}
	texts, err := i18n.New()
	if err != nil {
		return nil, fmt.Errorf("op=app.Build: %w", err)
	}

	var (
		store         ratelimiter.Store
		responseCache domain.ResponseCache
	)
	switch cfg.StateBackend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("op=app.Build: %w: redis state backend without a client", domain.ErrInvalidArgument)
		}
		store = ratelimiter.NewRedisStore(rdb, cfg.RedisKeyPrefix)
		if cfg.CacheEnabled {
			responseCache = cache.NewRedisCache(rdb, cfg.RedisKeyPrefix, cfg.CacheMaxEntries)
		}
	default:
		store = ratelimiter.NewMemoryStore()
		if cfg.CacheEnabled {
			responseCache = cache.NewMemoryCache(cfg.CacheMaxEntries)
		}
	}

	def, policyOpts := ProviderPolicies(cfg)
	limiter := ratelimiter.New(store, def, policyOpts...)

	providers := map[string]domain.ChatProvider{}
	for name, c := range ai.NewProviders(cfg, clientOpts...) {
		providers[name] = c
		slog.Info("provider registered",
			slog.String("provider", name),
			slog.String("model", c.Model()),
			slog.Bool("enabled", c.Enabled()),
			slog.Bool("configured", c.Configured()))
	}

	handle, err := audit.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=app.Build: %w", err)
	}

	responder := canned.New(routing, texts)
	dispatcher := usecase.NewDispatcher(providers, limiter, routing, cfg.ProviderMaxWait, cfg.ChatRequestDeadline)
	chat := usecase.NewChatService(dispatcher, responder, texts, responseCache, cfg.CacheTTL, handle.Sink, cfg.AIMaxTokens, cfg.MaxMessageRunes)
	advice := usecase.NewAdviceService(dispatcher, responder, texts, handle.Sink, cfg.AIAdviceMaxTokens)

	pingers := map[string]Pinger{}
	if handle.Pinger != nil {
		pingers[handle.Name] = handle.Pinger
	}
	var redisCheck RedisClient
	if rdb != nil {
		redisCheck = RedisReadiness(rdb)
	}
	srv := httpserver.NewServer(cfg, chat, advice, BuildReadinessChecks(redisCheck, pingers)...)

	a := &App{
		Cfg:     cfg,
		Handler: BuildRouter(cfg, srv),
		Chat:    chat,
		Advice:  advice,
		Redis:   rdb,
		Audit:   handle,
	}
	if handle.Pruner != nil && cfg.AuditRetentionDays > 0 {
		a.Retention = audit.NewRetentionService(handle.Pruner, cfg.AuditRetentionDays)
	}
	return a, nil
}

// StartBackground launches background jobs bound to ctx.
func (a *App) StartBackground(ctx context.Context) {
	if a.Retention != nil {
		go a.Retention.RunPeriodic(ctx, a.Cfg.CleanupInterval)
		slog.Info("audit cleanup started",
			slog.String("sink", a.Audit.Name),
			slog.Int("retention_days", a.Retention.RetentionDays),
			slog.Duration("interval", a.Cfg.CleanupInterval))
	}
}

// Close releases the audit sink. The Redis client belongs to the caller.
func (a *App) Close() error {
	var errs []error
	if a.Audit.Sink != nil {
		errs = append(errs, a.Audit.Sink.Close())
	}
	return errors.Join(errs...)
}
