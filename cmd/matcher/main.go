package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/config"
	"github.com/arena/matchmaking/internal/gameroom"
	"github.com/arena/matchmaking/internal/history"
	"github.com/arena/matchmaking/internal/logging"
	"github.com/arena/matchmaking/internal/matchmaking"
	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/penalty"
	"github.com/arena/matchmaking/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel).Named("matcher")
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := store.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "matcher"
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.String("url", cfg.NATSURL), zap.Error(err))
	}

	var recorder matchmaking.Recorder = matchmaking.NopRecorder{}
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := history.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Fatal("failed to open history database", zap.Error(err))
		}
		defer db.Close()
		if err := history.Migrate(db); err != nil {
			logger.Fatal("history migrations failed", zap.Error(err))
		}
		recorder = history.NewStore(db)
		logger.Info("match history enabled")
	}

	queue := matchmaking.NewQueue(rdb, cfg.Queue.EstimatedWaitPerPos)
	coordinator := matchmaking.NewCoordinator(rdb, matchmaking.CoordinatorConfig{
		Window:    cfg.Acceptance.Window,
		TTLBuffer: cfg.Acceptance.TTLBuffer,
		Retry: store.RetryPolicy{
			MaxRetries: cfg.Acceptance.MaxRetries,
			RetryDelay: cfg.Acceptance.RetryDelay,
		},
	}, logger)

	svc := matchmaking.NewService(matchmaking.Dependencies{
		Queue:       queue,
		Coordinator: coordinator,
		Penalties: penalty.NewStore(rdb, penalty.Config{
			CountTTL:  cfg.Penalty.CountTTL,
			Threshold: cfg.Penalty.Threshold,
			Cooldown:  cfg.Penalty.Cooldown,
		}),
		Rooms:    gameroom.NewClient(cfg.GameEngineURL, cfg.GameEngineTimeout),
		Notifier: matchmaking.NewNATSNotifier(natsClient),
		Recorder: recorder,
		Logger:   logger,
	}, matchmaking.ServiceConfig{
		MatchInterval:           cfg.Queue.MatchInterval,
		QueueTimeout:            cfg.Queue.Timeout,
		QueueSweepInterval:      cfg.Queue.SweepInterval,
		AcceptanceSweepInterval: cfg.Acceptance.SweepInterval,
		DefaultHeroID:           cfg.DefaultHeroID,
	})
	if err := svc.Start(natsClient); err != nil {
		logger.Fatal("failed to start matchmaking service", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("matcher running",
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("game_engine_url", cfg.GameEngineURL),
		zap.String("metrics_addr", cfg.MetricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	svc.Stop()
	natsClient.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = rdb.Close()
}
