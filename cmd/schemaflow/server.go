package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/schemaflow/api/handlers"
	"github.com/BaSui01/schemaflow/config"
	"github.com/BaSui01/schemaflow/internal/cache"
	"github.com/BaSui01/schemaflow/internal/database"
	"github.com/BaSui01/schemaflow/internal/metrics"
	"github.com/BaSui01/schemaflow/internal/server"
	"github.com/BaSui01/schemaflow/internal/telemetry"
	"github.com/BaSui01/schemaflow/llm/providers/openaicompat"
	"github.com/BaSui01/schemaflow/schemastore"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "github.com/BaSui01/schemaflow"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 SchemaFlow 的主服务器，持有全部依赖的生命周期
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	db        *gorm.DB
	pool      *database.PoolManager
	cache     *cache.Manager

	provider     *openaicompat.Provider
	store        *schemastore.Manager
	orchestrator *structured.Orchestrator

	registry         *prometheus.Registry
	metricsCollector *metrics.Collector

	handler http.Handler

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 HTTP 与 Metrics 服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	s.httpManager = server.NewManager("http", s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	var err error
	if s.cfg.Server.TLSCertFile != "" {
		err = s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		err = s.httpManager.Start()
	}
	if err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return err
		}
	}

	s.logger.Info("SchemaFlow started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// init 按依赖顺序构建全部组件，不监听端口
func (s *Server) init(ctx context.Context) error {
	// 1. 遥测
	tel, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger, telemetry.WithServiceVersion(Version))
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		tel = &telemetry.Providers{}
	}
	s.telemetry = tel

	// 2. 数据库
	if err := s.initDatabase(ctx); err != nil {
		return err
	}

	// 3. 版本快照缓存（可选）
	var versionCache schemastore.VersionCache
	if s.cfg.Redis.Enabled {
		cm, err := cache.NewManager(cache.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			DefaultTTL:          s.cfg.Redis.TTL,
			MaxRetries:          3,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			HealthCheckInterval: 30 * time.Second,
			TLS:                 s.cfg.Redis.TLS,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to init redis cache: %w", err)
		}
		s.cache = cm
		versionCache = cache.NewVersionCache(cm, s.cfg.Redis.TTL)
	}

	// 4. 指标
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.pool.Collector(s.cfg.Database.Driver),
	)
	s.metricsCollector = metrics.NewCollector("schemaflow", s.registry, s.logger)

	// 5. 补全服务商
	s.provider = openaicompat.New(openaicompat.Config{
		ProviderName: s.cfg.LLM.Provider,
		APIKey:       s.cfg.LLM.APIKey,
		BaseURL:      s.cfg.LLM.BaseURL,
		DefaultModel: s.cfg.LLM.DefaultModel,
		Timeout:      s.cfg.LLM.Timeout,
	}, s.logger)

	// 6. Schema 存储与编排器共用同一个编译缓存
	compiler := structured.NewCompiler(structured.WithCacheSize(s.cfg.Structured.SchemaCacheSize))

	storeOpts := []schemastore.Option{
		schemastore.WithConfig(schemastore.Config{
			DeletePolicy:      schemastore.DeletePolicy(s.cfg.Schemas.DeletePolicy),
			MaxUpdateAttempts: s.cfg.Schemas.MaxUpdateAttempts,
		}),
		schemastore.WithOperationRecorder(s.metricsCollector),
		schemastore.WithLogger(s.logger),
	}
	if versionCache != nil {
		storeOpts = append(storeOpts, schemastore.WithVersionCache(versionCache))
	}
	s.store, err = schemastore.NewManager(s.db, compiler, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to init schema store: %w", err)
	}

	jsonMode := structured.NewJSONModeAllowList(nil)
	jsonMode.Add(s.cfg.Structured.JSONModePrefixes...)

	s.orchestrator, err = structured.NewOrchestrator(s.provider, compiler,
		structured.WithResolver(s.store),
		structured.WithMetrics(s.metricsCollector),
		structured.WithJSONMode(jsonMode),
		structured.WithTracer(tel.Tracer(tracerName+"/structured")),
		structured.WithConfig(structured.Config{
			DefaultMaxRetries: s.cfg.Structured.DefaultMaxRetries,
			AttemptTimeout:    s.cfg.Structured.AttemptTimeout,
		}),
		structured.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}

	// 7. 路由与中间件
	s.handler = s.buildHandler()
	return nil
}

// initDatabase 打开数据库、配置连接池，按需自动建表
func (s *Server) initDatabase(ctx context.Context) error {
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.db = db

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}
	// SQLite 只允许单写者，:memory: 下每个连接都是独立的库
	if s.cfg.Database.Driver == "sqlite" {
		poolCfg.MaxOpenConns = 1
		poolCfg.MaxIdleConns = 1
	}
	if poolCfg.MaxIdleConns > poolCfg.MaxOpenConns {
		poolCfg.MaxIdleConns = poolCfg.MaxOpenConns
	}

	s.pool, err = database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init database pool: %w", err)
	}

	if s.cfg.Database.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(schemastore.AllModels()...); err != nil {
			return fmt.Errorf("database auto-migrate failed: %w", err)
		}
		s.logger.Info("database auto-migrated")
	}
	return nil
}

// buildHandler 注册路由并串联中间件
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	if s.cache != nil {
		// 缓存不可用时回退到数据库，只降级不摘流
		healthHandler.RegisterOptionalCheck(handlers.NewRedisHealthCheck("redis", s.cache.Ping))
	}
	healthHandler.RegisterCheck(handlers.NewProviderHealthCheck(s.provider))
	healthHandler.Register(mux, Version, BuildTime, GitCommit)

	handlers.NewSchemaHandler(s.store, s.logger).Register(mux)
	handlers.NewStructuredHandler(s.orchestrator, s.logger).Register(mux)

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.telemetry.Tracer(tracerName+"/http")),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		MaxBody(s.cfg.Server.MaxBodyBytes),
		Owner(),
	)
}

// startMetricsServer 在独立端口暴露 Prometheus 指标
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到收到关闭信号或任一服务异常退出
func (s *Server) Wait(ctx context.Context) error {
	var httpErrs, metricsErrs <-chan error
	if s.httpManager != nil {
		httpErrs = s.httpManager.Errors()
	}
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		return nil
	case err := <-httpErrs:
		return fmt.Errorf("http server: %w", err)
	case err := <-metricsErrs:
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Shutdown 优雅关闭所有服务，先停止接收请求再释放存储连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown...")

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	var firstErr error
	record := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" shutdown error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if s.httpManager != nil {
		record("HTTP server", s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		record("Metrics server", s.metricsManager.Shutdown(ctx))
	}
	if s.cache != nil {
		record("Cache", s.cache.Close())
	}
	if s.pool != nil {
		record("Database pool", s.pool.Close())
	}
	if s.telemetry != nil {
		record("Telemetry", s.telemetry.Shutdown(ctx))
	}

	s.logger.Info("Graceful shutdown completed")
	return firstErr
}
