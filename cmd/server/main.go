package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"intoview/internal/broadcast"
	"intoview/internal/capture"
	"intoview/internal/config"
	"intoview/internal/handlers"
	"intoview/internal/jobs"
	"intoview/internal/lifecycle"
	"intoview/internal/llm"
	_ "intoview/internal/llm/gemini"
	"intoview/internal/observer"
	"intoview/internal/prompts"
	"intoview/internal/repositories"
	"intoview/internal/routers"
	"intoview/internal/sandbox"
	"intoview/internal/summary"
	"intoview/internal/utils"
)

const shutdownTimeout = 30 * time.Second

// app holds the wired service so main and its tests share one construction path.
type app struct {
	router      http.Handler
	broadcaster *broadcast.Broadcaster
	supervisor  *observer.Supervisor
	captures    *capture.Manager
	coordinator *lifecycle.Coordinator
	reaper      *jobs.ReaperJob
	logger      *zap.Logger

	startup chan struct{}
}

func newApp(cfg *config.Config, db *gorm.DB, rdb *redis.Client, provider llm.Provider, sandboxes sandbox.Provider, logger *zap.Logger) (*app, error) {
	promptManager, err := prompts.NewPromptManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prompt manager: %w", err)
	}

	broadcaster := broadcast.NewBroadcaster(rdb, logger)

	sessions := &repositories.SessionRepository{DB: db}
	challenges := &repositories.ChallengeRepository{DB: db}
	rubrics := &repositories.RubricRepository{DB: db}
	events := &repositories.EventRepository{DB: db, Notifier: broadcaster}
	insights := &repositories.InsightRepository{DB: db, Notifier: broadcaster}
	checkpoints := &repositories.CheckpointRepository{DB: db}

	captures := capture.NewManager(sandboxes, events, broadcaster, logger)
	obs := observer.NewObserver(provider, promptManager, events, insights, cfg.Observer, logger)
	supervisor := observer.NewSupervisor(obs, sessions, insights, checkpoints, cfg.Observer, logger)
	summarizer := summary.NewSummarizer(provider, promptManager, cfg.Summary, logger)

	coordinator := lifecycle.NewCoordinator(lifecycle.Deps{
		Sessions:   sessions,
		Events:     events,
		Insights:   insights,
		Sandbox:    sandboxes,
		Captures:   captures,
		Observers:  supervisor,
		Summarizer: summarizer,
		Collector:  &summary.Collector{Events: events, Insights: insights},
	}, lifecycle.Options{
		TestTimeout:      cfg.Sandbox.TestTimeout,
		RequireTestsPass: cfg.SubmitRequireTestsPass,
	}, logger)

	reaper := jobs.NewReaperJob(sessions, coordinator, supervisor, cfg.Reaper, logger)

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql db: %w", err)
	}

	router := routers.NewRouter(routers.Handlers{
		Health:    handlers.NewHealthHandler(provider, promptManager, sqlDB, broadcaster, cfg),
		Challenge: handlers.NewChallengeHandler(challenges, rubrics, logger),
		Session:   handlers.NewSessionHandler(sessions, challenges, rubrics, events, insights, coordinator, cfg.Summary, logger),
		Sandbox:   handlers.NewSandboxHandler(coordinator, logger),
		Analysis:  handlers.NewAnalysisHandler(supervisor, sessions, logger),
		Realtime:  handlers.NewRealtimeHandler(broadcaster, sessions, coordinator, cfg.AllowedOrigins, logger),
	}, routers.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: requestTimeout(cfg),
	})

	return &app{
		router:      router,
		broadcaster: broadcaster,
		supervisor:  supervisor,
		captures:    captures,
		coordinator: coordinator,
		reaper:      reaper,
		logger:      logger,
	}, nil
}

// requestTimeout leaves room for the slowest control action: ending a session runs
// teardown and then summarisation, whose budget is configurable.
func requestTimeout(cfg *config.Config) time.Duration {
	timeout := 60 * time.Second
	if longest := cfg.Summary.Timeout + cfg.Sandbox.TestTimeout + 30*time.Second; longest > timeout {
		timeout = longest
	}
	return timeout
}

// start launches background work. Sessions left active by a previous process get their
// observers back before the first scheduled pass.
func (a *app) start(ctx context.Context) error {
	if err := a.reaper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	a.startup = make(chan struct{})
	go func() {
		defer close(a.startup)
		if _, err := a.reaper.RunOnce(ctx); err != nil {
			a.logger.Warn("Startup reaper pass failed", zap.Error(err))
		}
	}()
	return nil
}

// stop waits for in-flight observer cycles before detaching captures. Sandboxes are left
// running so another instance can reconnect to them.
func (a *app) stop() {
	if a.startup != nil {
		<-a.startup
	}
	a.reaper.Stop()
	a.supervisor.Shutdown()
	a.captures.StopAll()
}

// initDatabase initializes the PostgreSQL database connection
func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repositories.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return rdb, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func main() {
	utils.InitLogger(os.Getenv("APP_ENV") == "development")
	logger := utils.GetLogger()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("provider", cfg.Provider),
		zap.Duration("observer_interval", cfg.Observer.Interval),
		zap.Int("history_window", cfg.Observer.HistoryWindow),
		zap.Bool("reaper_enabled", cfg.Reaper.Enabled))

	db, err := initDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// realtime fan-out is best effort; the service stays up and reports redis in /readyz
	rdb, err := initRedis(context.Background(), cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, realtime streams will be degraded", zap.Error(err))
	}
	defer rdb.Close()

	provider, err := llm.NewProvider(cfg.Provider)
	if err != nil {
		logger.Fatal("Failed to initialize AI provider", zap.Error(err))
	}

	sandboxes, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Image:         cfg.Sandbox.Image,
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		ProjectDir:    cfg.Sandbox.ProjectDir,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize sandbox provider", zap.Error(err))
	}

	application, err := newApp(cfg, db, rdb, provider, sandboxes, logger)
	if err != nil {
		logger.Fatal("Failed to build service", zap.Error(err))
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	if err := application.start(rootCtx); err != nil {
		logger.Fatal("Failed to start background jobs", zap.Error(err))
	}

	serverAddr := ":" + cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      application.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout(cfg) + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Interview service starting",
			zap.String("addr", serverAddr),
			zap.String("instance_id", application.broadcaster.InstanceID()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shutdown the server
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("Interview service shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	cancelRoot()
	application.stop()

	logger.Info("Interview service exited")
}
