// Package app wires the gateway's stores, engine and servers and runs them
// until the process is asked to stop.
package app

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/audit"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/monitoring"
	redisconn "github.com/turtacn/ratelimit-gateway/internal/infrastructure/persistence/redis"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/ratelimit"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/secrets"
	grpcsrv "github.com/turtacn/ratelimit-gateway/internal/interfaces/grpc"
	gwhttp "github.com/turtacn/ratelimit-gateway/internal/interfaces/http"
	"github.com/turtacn/ratelimit-gateway/internal/interfaces/http/handlers"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// App holds every long-lived component of a running gateway.
type App struct {
	cfg    *config.Config
	logger logger.Logger

	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	tracing  *monitoring.TracingManager

	redis    *redisconn.RedisConnection
	local    *ratelimit.LocalBucketStore
	producer *audit.KafkaProducer
	engine   *service.Engine

	router  *gwhttp.Router
	grpc    *grpcsrv.Server
	watcher *config.PolicyWatcher
}

// Option customizes New.
type Option func(*options)

type options struct {
	tierSource service.TierSource
}

// WithTierSource replaces the Vault tier source built from cfg.Vault.
func WithTierSource(src service.TierSource) Option {
	return func(o *options) {
		o.tierSource = src
	}
}

// New builds the gateway from cfg. Redis being unreachable is fatal only when
// redis.fail_on_unavailable is set; otherwise decisions fall back to local
// buckets until it answers.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: log.WithComponent("app")}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close(ctx)
		}
	}()

	var err error

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = monitoring.NewMetrics(a.registry)

	if a.tracing, err = monitoring.NewTracingManager(&cfg.Tracing, log); err != nil {
		return nil, err
	}

	if err = a.loadExternalTiers(ctx, o.tierSource); err != nil {
		return nil, err
	}
	rl := cfg.RateLimit

	a.local = ratelimit.NewLocalBucketStore(ratelimit.LocalStoreConfig{
		FallbackFactor:  rl.FallbackFactor,
		MaxIdle:         rl.KeyTTL(),
		MaxBuckets:      cfg.Store.LocalMaxBuckets,
		CleanupInterval: cfg.Store.LocalCleanupInterval,
	}, log)

	engineOpts := []service.EngineOption{
		service.WithMetrics(a.metrics),
		service.WithTracer(a.tracing.Tracer()),
	}

	var checker handlers.RedisHealthChecker
	if cfg.Redis.Enabled {
		store, err := a.connectRedis(ctx)
		if err != nil {
			return nil, err
		}
		checker = a.redis
		engineOpts = append(engineOpts, service.WithDistributedStore(store))
	}

	if cfg.Audit.Enabled {
		a.producer = audit.NewKafkaProducer(cfg.Audit, log)
		engineOpts = append(engineOpts, service.WithEventPublisher(a.producer))
	}

	if a.engine, err = service.NewEngine(rl, a.local, log, engineOpts...); err != nil {
		return nil, err
	}

	proxy, err := handlers.NewProxyHandler(cfg.Server.UpstreamURL, log)
	if err != nil {
		return nil, err
	}
	a.router = gwhttp.NewRouter(cfg, log, a.engine,
		handlers.NewHealthHandler(checker, log),
		proxy.WithTracing(a.tracing), a.tracing, a.metrics, a.registry)

	if cfg.Server.GRPCPort > 0 {
		a.grpc = grpcsrv.NewServer(grpcsrv.NewInterceptorChain(log, a.engine), log)
	}
	a.watcher = config.NewPolicyWatcher(cfg.PolicyFile, log, nil)

	a.logger.Info(ctx, "gateway initialized",
		logger.Bool("redis_enabled", cfg.Redis.Enabled),
		logger.Bool("audit_enabled", cfg.Audit.Enabled),
		logger.Int("policies", len(rl.Policies)),
		logger.Int("api_key_tiers", len(rl.APIKeyTiers)),
	)
	ready = true
	return a, nil
}

// loadExternalTiers merges API key tiers from Vault (or src) and re-validates.
func (a *App) loadExternalTiers(ctx context.Context, src service.TierSource) error {
	if src == nil {
		if !a.cfg.Vault.Enabled {
			return nil
		}
		vs, err := secrets.NewVaultTierSource(a.cfg.Vault, a.logger)
		if err != nil {
			return err
		}
		src = vs
	}

	tiers, err := src.LoadAPIKeyTiers(ctx)
	if err != nil {
		return err
	}
	merged := config.MergeAPIKeyTiers(a.cfg.RateLimit, tiers)
	a.logger.Info(ctx, "merged external API key tiers", logger.Int("count", merged))
	return service.ValidateConfig(a.cfg.RateLimit)
}

func (a *App) connectRedis(ctx context.Context) (service.BucketStore, error) {
	a.redis = redisconn.NewRedisConnection(&a.cfg.Redis, a.logger)
	if err := a.redis.Connect(ctx); err != nil {
		if a.cfg.Redis.FailOnUnavailable || !errors.IsStoreUnavailable(err) {
			return nil, err
		}
		a.logger.Warn(ctx, "Redis unavailable at startup, using local buckets until it recovers",
			logger.Error(err))
	}

	store, err := ratelimit.NewRedisBucketStore(a.redis.GetClient(), a.cfg.RateLimit.KeyTTL(), a.logger)
	if err != nil {
		return nil, err
	}
	if err := store.LoadScript(ctx); err != nil {
		a.logger.Warn(ctx, "token bucket script not preloaded, it will be loaded on first use",
			logger.Error(err))
	}

	return ratelimit.NewResilientStore(store, ratelimit.ResilientStoreConfig{
		Timeout:             a.cfg.Store.Timeout,
		MaxAttempts:         a.cfg.Store.MaxAttempts,
		RetryBackoff:        a.cfg.Store.RetryBackoff,
		BreakerFailures:     a.cfg.Store.BreakerFailures,
		BreakerOpenDuration: a.cfg.Store.BreakerOpenDuration,
	}, a.metrics, a.logger), nil
}

// Engine returns the admission engine.
func (a *App) Engine() *service.Engine {
	return a.engine
}

// Handler returns the HTTP handler serving the gateway.
func (a *App) Handler() http.Handler {
	return a.router.Handler()
}

// Run serves HTTP and gRPC and runs the background workers until ctx is
// cancelled or one of them fails, then shuts the servers down.
func (a *App) Run(ctx context.Context) error {
	var grpcLis net.Listener
	if a.grpc != nil {
		lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr())
		if err != nil {
			return errors.Configuration("listen for gRPC", err).WithMetadata("addr", a.cfg.Server.GRPCAddr())
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.router.Start)
	if grpcLis != nil {
		g.Go(func() error { return a.grpc.Serve(grpcLis) })
	}
	g.Go(func() error { return a.local.RunJanitor(gctx) })
	if a.producer != nil {
		g.Go(func() error { return a.producer.Run(gctx) })
	}
	g.Go(func() error {
		if err := a.watcher.Run(gctx); err != nil {
			a.logger.Warn(gctx, "policy file watcher stopped", logger.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if a.grpc != nil {
			a.grpc.Stop(shutdownCtx)
		}
		return a.router.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the store connections and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.producer != nil {
		err = multierr.Append(err, a.producer.Close(ctx))
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.tracing != nil {
		err = multierr.Append(err, a.tracing.Shutdown(ctx))
	}
	return err
}
