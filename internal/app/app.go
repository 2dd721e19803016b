// Package app wires configuration, storage, the pipeline, the council and
// the HTTP surfaces into one runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"sopforge/backend/internal/ai"
	"sopforge/backend/internal/api"
	"sopforge/backend/internal/auth"
	"sopforge/backend/internal/config"
	"sopforge/backend/internal/council"
	"sopforge/backend/internal/events"
	"sopforge/backend/internal/logging"
	"sopforge/backend/internal/mcp"
	"sopforge/backend/internal/notify"
	"sopforge/backend/internal/pipeline"
	"sopforge/backend/internal/prompts"
	"sopforge/backend/internal/repository"
	"sopforge/backend/internal/stages"
	"sopforge/backend/internal/telemetry"
	"sopforge/backend/pkg/models"
)

// ServiceName identifies the service in traces.
const ServiceName = "sopforge"

// App is the assembled service.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Store    *repository.Store
	Bus      *events.Bus
	Resolver *prompts.Resolver
	Pipeline *pipeline.Service
	Council  *council.Engine
	Notifier *notify.Dispatcher
	Auth     *auth.Auth
	Echo     *echo.Echo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenStore opens the configured database and applies the schema.
func OpenStore(ctx context.Context, cfg *config.Config) (*repository.Store, error) {
	var (
		store *repository.Store
		err   error
	)
	switch cfg.DB.Driver {
	case "sqlite":
		store, err = repository.OpenSQLite(ctx, cfg.DB.Path)
	default:
		store, err = repository.OpenPostgres(ctx, cfg.PostgresDSN())
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// PipelineConfig converts the pipeline section of cfg.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.Config{
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		QualityThreshold: cfg.Pipeline.QualityThreshold,
		MinConfidence:    cfg.Pipeline.MinConfidence,
		AutoAdvance:      cfg.Pipeline.AutoAdvance,
	}
	for _, stage := range cfg.Pipeline.GovernanceStages {
		pc.GovernanceStages = append(pc.GovernanceStages, models.Stage(stage))
	}
	return pc
}

// StageOptions returns the per-stage model parameters of cfg.
func StageOptions(cfg *config.Config) []stages.Option {
	var opts []stages.Option
	for _, stage := range models.AllStages {
		m, ok := cfg.AI.Stages[stage.Slug()]
		if !ok {
			continue
		}
		opts = append(opts, stages.WithParams(stage, ai.Params{
			Model:       m.Model,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
		}))
	}
	return opts
}

// New assembles the service over an open store.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, store *repository.Store) (*App, error) {
	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	backend, err := ai.NewBackend(cfg.AI.Provider, cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.SidecarURL)
	if err != nil {
		return nil, err
	}
	adapter := ai.NewAdapter(backend, ai.AdapterConfig{
		Timeout:       cfg.AI.Timeout,
		RatePerMinute: cfg.AI.RatePerMinute,
		Burst:         cfg.AI.Burst,
	}, metrics)
	if !adapter.Available() {
		logger.Warn("AI capability unavailable, stages will produce degraded stub output", "provider", cfg.AI.Provider)
	}

	resolver, err := prompts.NewResolver(store,
		prompts.WithTTL(cfg.Prompts.CacheTTL),
		prompts.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	executor, err := stages.NewExecutor(resolver, adapter, StageOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)

	engine := council.NewEngine(store,
		council.WithConfig(council.Config{
			Quorum:        cfg.Council.Quorum,
			GateDeadline:  cfg.Council.GateDeadline,
			SweepInterval: cfg.Council.SweepInterval,
		}),
		council.WithPublisher(bus),
		council.WithMetrics(metrics),
		council.WithLogger(logger.With("component", "council")))

	svc := pipeline.NewService(store, executor,
		pipeline.WithConfig(PipelineConfig(cfg)),
		pipeline.WithGatekeeper(engine),
		pipeline.WithPublisher(bus),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger.With("component", "pipeline")))
	engine.SetListener(svc)

	notifier := notify.NewDispatcher(store,
		notify.WithQueueSize(cfg.Notifications.QueueSize),
		notify.WithMetrics(metrics),
		notify.WithLogger(logger.With("component", "notify")))
	notifier.Subscribe(bus)

	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Bus:      bus,
		Resolver: resolver,
		Pipeline: svc,
		Council:  engine,
		Notifier: notifier,
		Auth:     authz,
	}
	a.Echo = a.routes()
	return a, nil
}

func (a *App) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(a.Logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.Logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(a.Auth.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(a.Auth.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(a.Auth.LogoutHandler)))

	e.GET("/api/v1/health", echo.WrapHandler(http.HandlerFunc(api.NewHandler(a.Store).HandleHealth)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(a.Auth.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(a.Pipeline, a.Council, a.Store, a.Store, a.Resolver))

	mcpServer := mcp.NewServer(a.Pipeline, a.Council)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(a.Auth.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(a.Config.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(a.Config.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))
	return e
}

// Start launches the background workers: notification delivery and the
// council deadline sweep. The notifier runs until Close stops it.
func (a *App) Start(ctx context.Context) {
	a.Notifier.Start(context.WithoutCancel(ctx))
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Council.Sweep(ctx)
	}()
}

// Reload applies a changed configuration file. Prompt text may have been
// edited alongside it, so every cached prompt is dropped.
func (a *App) Reload(cfg *config.Config, err error) {
	if err != nil {
		a.Logger.Error("ignoring invalid configuration change", "error", err)
		return
	}
	a.Resolver.Invalidate("*")
	a.Logger.Info("configuration reloaded, prompt cache cleared", "log_level", cfg.Logging.Level)
}

// Close stops the sweeper, drains background pipeline work and pending
// notifications, then closes the store.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Pipeline.Wait()
	a.Notifier.Stop()
	a.Store.Close()
}
