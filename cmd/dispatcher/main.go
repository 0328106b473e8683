package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/config"
	"chat-dispatch/pkg/metrics"
	redisClient "chat-dispatch/pkg/redis"
	"chat-dispatch/pkg/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithField("pod_id", cfg.PodID).Info("Starting chat dispatch service")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		client, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		rdb = client.GetRedisClient()
	} else {
		logger.Info("No REDIS_URL set, running with in-memory state only")
	}

	svc, err := service.NewService(rdb, cfg, logger, m, promhttp.Handler())
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}
	cancel()

	logger.Info("Chat dispatch service shutdown complete")
}
