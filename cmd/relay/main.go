package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	"camrelay/internal/infrastructure/backup"
	"camrelay/internal/infrastructure/distributed"
	"camrelay/internal/infrastructure/hub"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/relay"
	"camrelay/internal/infrastructure/repositories"
	wsignal "camrelay/internal/infrastructure/signal"
	pkgbackup "camrelay/pkg/backup"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, zapLogger, log); err != nil {
		log.Errorw("relay exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, base *zap.Logger, log *zap.SugaredLogger) error {
	startTime := time.Now()
	instanceID := uuid.NewString()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "camrelay",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	users := repoFactory.UserDirectory()
	sources := repoFactory.SourceRegistry()

	// Grants
	grantCfg := services.GrantServiceConfig{
		BaseURL:     cfg.Grants.BaseURL,
		MaxDuration: cfg.Grants.MaxDuration,
	}
	if metrics != nil {
		grantCfg.Metrics = metrics
	}
	grants := services.NewGrantService(repoFactory.GrantStore(), repoFactory.GrantLocker(), users, sources, grantCfg, log)

	var scheduler *backup.Scheduler
	if snap := repoFactory.SnapshotStore(); snap != nil && cfg.Backup.Enabled {
		storage, err := pkgbackup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			return fmt.Errorf("open backup directory: %w", err)
		}
		backupService := pkgbackup.NewBackupService(storage, version)
		restorer := backup.NewRestoreService(backupService, snap, log)
		if _, err := restorer.RestoreLatest(ctx); err != nil {
			log.Warnw("failed to restore grant snapshot, starting empty", "error", err)
		}
		scheduler = backup.NewScheduler(backupService, snap, backup.Config{
			Interval: cfg.Backup.Interval,
			Retain:   cfg.Backup.Retain,
		}, log)
	}

	cachedGrants := services.NewCachedGrantService(grants, cfg.Grants.StatsCacheTTL)
	defer cachedGrants.Stop()

	// Relays and fan-out
	quality := services.NewQualityService(domain.QualityTier(cfg.Relay.DefaultQuality))
	hubCfg := hub.Config{QueueSize: cfg.Signal.SubscriberBuffer}
	relayCfg := relay.Config{
		StartupTimeout:  cfg.Relay.StartupTimeout,
		StartupAttempts: cfg.Relay.StartupAttempts,
		GracePeriod:     cfg.Relay.GracePeriod,
		FailureWindow:   cfg.Relay.FailureWindow,
		MaxFailures:     cfg.Relay.MaxFailures,
		ChunkSize:       cfg.Relay.ChunkSize,
	}
	if metrics != nil {
		hubCfg.Metrics = metrics
		relayCfg.Metrics = metrics
	}
	broadcastHub := hub.New(grants, sources, quality, hubCfg, log)
	supervisor := relay.NewSupervisor(relay.NewFFmpegLauncher(cfg.Relay.FFmpegPath, log), broadcastHub, relayCfg, log)
	broadcastHub.AttachRelays(supervisor)

	gateway := services.NewGateway(grants, broadcastHub, log)
	grants.AddEventSink(gateway)

	var bus *distributed.EventBus
	if repoFactory.UsingRedis() {
		bus = distributed.NewEventBus(repoFactory.RedisClient(), instanceID, log)
		grants.AddEventSink(bus)
		go func() {
			if err := bus.RunRevocations(ctx, gateway); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("grant event subscription ended", "error", err)
			}
		}()
	}

	sweeper := services.NewSweeper(grants, cfg.Grants.SweepInterval, repoFactory.LeaderLock(), log)
	go sweeper.Run(ctx)

	if scheduler != nil {
		go scheduler.Start(ctx)
	}

	// Chat and recording requests
	authService := services.NewAuthService(users, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	chat := services.NewChatService(repoFactory.ChatRepository(), users, broadcastHub, cfg.Chat.MaxMessageLength, log)
	recordings := services.NewRecordingService(repoFactory.RecordingRequestRepository(), grants, users, sources, broadcastHub, log)

	// Health
	checker := monitoring.NewHealthChecker()
	repoFactory.RegisterHealthChecks(checker)
	checker.AddRelayCheck(supervisor)
	checker.AddHubCheck(broadcastHub, 10000)

	// Channels
	wsOpts := wsignal.Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MessageLimiter: func() *rate.Limiter { return middleware.MessageLimiter(cfg) },
	}
	viewerServer := wsignal.NewViewerServer(gateway, grants, sources, broadcastHub, wsOpts, log)
	controlServer := wsignal.NewControlServer(authService, grants, users, chat, broadcastHub, wsOpts, log)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(base)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	requireAuth := middleware.AuthMiddleware(authService)
	optionalAuth := middleware.OptionalAuthMiddleware(authService)

	httphandlers.NewAuthHandler(authService, users).SetupRoutes(router, requireAuth)
	httphandlers.NewGrantHandler(cachedGrants, sources, nil).SetupRoutes(router, requireAuth)
	httphandlers.NewSourceHandler(sources, supervisor, broadcastHub).SetupRoutes(router, requireAuth)
	httphandlers.NewChatHandler(chat, recordings).SetupRoutes(router, requireAuth, optionalAuth)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)

	channelLimit := middleware.NewChannelRateLimitMiddleware(cfg)
	router.GET("/stream", channelLimit, gin.WrapF(viewerServer.HandleWebSocket))
	router.GET("/ws", channelLimit, gin.WrapF(controlServer.HandleWebSocket))

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("camrelay listening",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
			"sources", len(cfg.Sources),
			"redis", repoFactory.UsingRedis(),
			"startup", time.Since(startTime).Round(time.Millisecond).String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown failed", "error", err)
	}

	// Viewer slots go back before the store connection closes.
	if n := gateway.CloseAll(shutdownCtx, "server shutting down"); n > 0 {
		log.Infow("closed viewer channels", "channels", n)
	}
	broadcastHub.Close()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Warnw("relay shutdown incomplete", "error", err)
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Debugw("event bus close", "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	log.Infow("camrelay stopped", "uptime", time.Since(startTime).Round(time.Second).String())
	return nil
}
