package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"verdict/internal/audit"
	"verdict/internal/broker"
	"verdict/internal/config"
	"verdict/internal/constants"
	"verdict/internal/logger"
	"verdict/internal/policy"
	"verdict/internal/registry"
	"verdict/internal/versions"
	"verdict/pkg/bootstrap"
	"verdict/pkg/cel"
	"verdict/pkg/health"
	"verdict/pkg/metrics"
	"verdict/pkg/middleware"
	"verdict/pkg/ratelimit"
	"verdict/pkg/tracing"
)

const serviceName = "policy-service"

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	producer       broker.Producer
	engine         *policy.Engine
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if err := a.dbConnector.RunMigrations(db); err != nil {
		return err
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "Redis connection failed, continuing without redis", "error", err)
	} else {
		a.redisClient = redisClient
	}

	return nil
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.IdentityMiddleware())

	if a.config.Admin.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.Admin.RateLimit.RPS,
			Burst:           a.config.Admin.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.Admin.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.Admin.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	if a.config.Broker.Type == "kafka" && a.config.Broker.Kafka.ChangeEventTopic != "" {
		producer, err := broker.NewProducer(a.config.Broker, a.logger)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Failed to create change event producer, change events will be disabled", "error", err)
		} else {
			a.producer = producer
			a.logger.InfowCtx(ctx, "Change event producer initialized")
		}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create guard evaluator: %w", err)
	}

	registryRepo := registry.NewRepository(a.db)
	versionsRepo := versions.NewRepository(a.db, a.config.Store.LockTimeout)
	auditRepo := audit.NewRepository(a.db)

	cache := policy.NewContentCache(a.config.Decision.Cache, a.config.CircuitBreaker, a.redisClient, a.logger)

	eventTopic := a.config.Broker.Kafka.ChangeEventTopic

	versionOpts := []versions.ServiceOption{
		versions.WithValidator(policy.NewValidator(evaluator)),
		versions.WithAudit(auditRepo),
	}
	if cache != nil {
		versionOpts = append(versionOpts, versions.WithInvalidator(cache))
	}
	if a.producer != nil {
		versionOpts = append(versionOpts, versions.WithChangeEvents(a.producer, eventTopic))
	}
	versionsSvc := versions.NewService(versionsRepo, versionOpts...)

	registryOpts := []registry.ServiceOption{
		registry.WithAudit(auditRepo),
		registry.WithVersionPurger(versionsRepo),
	}
	if cache != nil {
		registryOpts = append(registryOpts, registry.WithInvalidator(cache))
	}
	if a.producer != nil {
		registryOpts = append(registryOpts, registry.WithChangeEvents(a.producer, eventTopic))
	}
	registrySvc := registry.NewService(registryRepo, registryOpts...)

	engineOpts := []policy.EngineOption{
		policy.WithGuardEvaluator(evaluator),
		policy.WithBootstrapConfig(a.config.Decision.Bootstrap),
	}
	if cache != nil {
		engineOpts = append(engineOpts, policy.WithCache(cache))
	}
	if a.config.Decision.DefaultRuleset != "" {
		engineOpts = append(engineOpts, policy.WithDefaultRuleset(a.config.Decision.DefaultRuleset))
	}
	a.engine = policy.NewEngine(registrySvc, versionsSvc, a.logger, engineOpts...)

	if a.config.Decision.Bootstrap.Enabled {
		if err := a.engine.EnsureRulesInitialized(ctx); err != nil {
			a.logger.WarnwCtx(ctx, "Baseline rule bootstrap failed, continuing", "error", err)
		}
	}

	registry.NewHandler(registrySvc, a.logger).RegisterRoutes(router)
	versions.NewHandler(versionsSvc, a.logger).RegisterRoutes(router)
	policy.NewHandler(a.engine, a.logger).RegisterRoutes(router)
	audit.NewHandler(auditRepo, a.logger).RegisterRoutes(router)

	metrics.Register()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	dbErrs := a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
