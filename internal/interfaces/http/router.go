package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/monitoring"
	"github.com/turtacn/ratelimit-gateway/internal/interfaces/http/handlers"
	"github.com/turtacn/ratelimit-gateway/internal/interfaces/http/middleware"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// Router HTTP 路由器
type Router struct {
	engine        *gin.Engine
	config        *config.Config
	logger        logger.Logger
	decider       middleware.Decider
	healthHandler *handlers.HealthHandler
	proxyHandler  *handlers.ProxyHandler
	tracing       *monitoring.TracingManager
	metrics       *monitoring.Metrics
	gatherer      prometheus.Gatherer
	server        *http.Server
}

// NewRouter 创建路由器
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	decider middleware.Decider,
	healthHandler *handlers.HealthHandler,
	proxyHandler *handlers.ProxyHandler,
	tracing *monitoring.TracingManager,
	metrics *monitoring.Metrics,
	gatherer prometheus.Gatherer,
) *Router {
	// 设置 Gin 模式
	gin.SetMode(gin.ReleaseMode)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := &Router{
		engine:        gin.New(),
		config:        cfg,
		logger:        log.WithComponent("http"),
		decider:       decider,
		healthHandler: healthHandler,
		proxyHandler:  proxyHandler,
		tracing:       tracing,
		metrics:       metrics,
		gatherer:      gatherer,
	}
	r.setupRoutes()
	r.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r.engine,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 全局中间件；准入检查放在最后，白名单路径由引擎自行放行
	r.engine.Use(middleware.Recovery(r.logger))
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.Observability(r.tracing, r.metrics))
	r.engine.Use(middleware.Logger(r.logger))

	// CORS 配置，暴露限流响应头
	r.engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", constants.HeaderRequestID, r.apiKeyHeader()},
		ExposeHeaders: []string{
			constants.HeaderRequestID,
			constants.HeaderRateLimitLimit,
			constants.HeaderRateLimitRemaining,
			constants.HeaderRateLimitReset,
			constants.HeaderXRateLimitLimit,
			constants.HeaderXRateLimitRemaining,
			constants.HeaderRetryAfter,
		},
		MaxAge: 12 * time.Hour,
	}))
	r.engine.Use(middleware.RateLimit(r.decider))

	// 健康检查
	r.engine.GET(constants.DefaultLivenessCheckPath, r.healthHandler.LivenessCheck)
	r.engine.GET(constants.DefaultReadinessCheckPath, r.healthHandler.ReadinessCheck)

	// Prometheus metrics
	metricsPath := r.config.Monitoring.MetricsPath
	if metricsPath == "" {
		metricsPath = constants.DefaultMetricsPath
	}
	r.engine.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	// Pprof 性能分析（按需开启）
	if r.config.Monitoring.PprofEnabled {
		pprof.Register(r.engine)
	}

	// 其余请求转发到上游
	r.engine.NoRoute(r.proxyHandler.Handle)
}

func (r *Router) apiKeyHeader() string {
	if rl := r.decider.Config(); rl != nil && rl.APIKeyHeader != "" {
		return rl.APIKeyHeader
	}
	return constants.DefaultAPIKeyHeader
}

// Handler 返回路由的 http.Handler，便于测试
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Start 启动 HTTP 服务器，直到 Stop 被调用
func (r *Router) Start() error {
	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping HTTP server...")
	return r.server.Shutdown(ctx)
}
