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
	"github.com/arena/matchmaking/internal/gateway"
	"github.com/arena/matchmaking/internal/logging"
	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/ratelimit"
	"github.com/arena/matchmaking/internal/store"
	"github.com/arena/matchmaking/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel).Named("gateway").With(zap.String("server", cfg.Gateway.ServerName))
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := store.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "gateway-" + cfg.Gateway.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.String("url", cfg.NATSURL), zap.Error(err))
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.Gateway.WorkerPoolSize,
		MaxConnections: cfg.Gateway.MaxConnections,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		MaxMessageSize: int64(cfg.Gateway.MaxMessageSize),
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Gateway.HeartbeatInterval,
			Timeout:  cfg.Gateway.HeartbeatTimeout,
		},
	}

	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch, logger)

	gw := gateway.New(gateway.Config{
		InstanceID:     cfg.Gateway.ServerName,
		ReconnectGrace: cfg.Queue.ReconnectGrace,
	}, natsClient, server, ratelimit.NewLimiter(rdb, logger), logger)
	gw.Register(dispatcher)
	server.SetHooks(gw.Hooks())

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

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("gateway running",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.Int("worker_pool", serverConfig.WorkerPoolSize),
		zap.Int("max_connections", serverConfig.MaxConnections),
		zap.Duration("reconnect_grace", cfg.Queue.ReconnectGrace),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("redis_addr", cfg.RedisAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Pending leaves are dropped; the matcher's queue timeout cleans up
	// players whose gateway went away.
	gw.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws shutdown error", zap.Error(err))
	}
	natsClient.Close()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = rdb.Close()
}
