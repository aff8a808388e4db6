package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshspace/internal/core/services"
	httphandlers "meshspace/internal/handlers/http"
	distbus "meshspace/internal/infrastructure/distributed"
	"meshspace/internal/infrastructure/middleware"
	"meshspace/internal/infrastructure/monitoring"
	"meshspace/internal/infrastructure/relay"
	"meshspace/internal/infrastructure/repositories"
	"meshspace/pkg/config"
	"meshspace/pkg/distributed"
	"meshspace/pkg/logger"
	"meshspace/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	roster := repoFactory.CreateRosterRepository()

	var tokens services.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	}

	collector := monitoring.NewPrometheusCollector()

	relayCfg := relay.DefaultConfig()
	relayCfg.PingInterval = cfg.Signal.PingInterval
	relayCfg.PongTimeout = cfg.Signal.PongTimeout
	relayCfg.WriteTimeout = cfg.Signal.WriteTimeout
	relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	} else {
		relayCfg.MessagesPerSecond = 0
	}
	hub := relay.NewServer(relayCfg, roster, tokens, collector, log)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// With Redis in play there may be more than one relay instance:
	// bridge envelopes between them and let only one instance sweep.
	var sweepLock *distributed.Lock
	if rc := repoFactory.RedisClient(); rc != nil {
		instanceID := uuid.NewString()
		bus := distbus.NewEnvelopeBus(rc, instanceID, log)
		hub.SetBus(bus)
		defer bus.Close()
		go func() {
			if err := bus.Subscribe(runCtx, hub.DeliverRemote); err != nil && err != context.Canceled {
				log.Warnw("envelope bus subscription ended", "error", err)
			}
		}()
		sweepLock = distributed.NewLock(rc, "meshspace:roster-sweep", 10*time.Second)
		log.Infow("envelope bus enabled", "instance_id", instanceID)
	}

	sweeper := relay.NewSweeper(roster, cfg.Session.PeerTimeout, cfg.Session.PeerTimeout, sweepLock, log)
	go sweeper.Run(runCtx)

	// Websocket endpoint on its own listener, API on the main one.
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", hub.HandleWebSocket)
	wsSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: wsMux,
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	healthCheck := func(c *gin.Context) error {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		return repoFactory.HealthCheck(ctx)
	}
	handler := httphandlers.NewRelayHandler(roster, tokens, healthCheck)
	if cfg.Auth.Enabled {
		handler.SetupRoutes(router, middleware.AuthMiddleware(tokens))
	} else {
		handler.SetupRoutes(router)
	}

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	apiSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting relay websocket server", "address", cfg.Signal.Address)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infow("starting relay API server", "address", cfg.Server.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("API server shutdown failed", "error", err)
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("websocket server shutdown failed", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracer shutdown failed", "error", err)
	}
	log.Info("relay stopped")
}
