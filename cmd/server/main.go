package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_handler "fleetpulse.state/internal/adapters/handler/http"
	"fleetpulse.state/internal/adapters/handler/mqtt"
	redis_adapter "fleetpulse.state/internal/adapters/queue/redis"
	"fleetpulse.state/internal/adapters/repository/pg"
	"fleetpulse.state/internal/config"
	"fleetpulse.state/internal/core/circuitbreaker"
	"fleetpulse.state/internal/core/logger"
	"fleetpulse.state/internal/core/reporter"
	"fleetpulse.state/internal/core/services"
	"fleetpulse.state/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting fleetpulse state server", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Initialize adapters
	repo, err := pg.NewRepository(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to init database", "error", err)
		log.Fatalf("failed to init database: %v", err)
	}

	redisClient, err := redis_adapter.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}
	defer redisClient.Close()

	delayStore := redis_adapter.NewDelayStore(redisClient)
	queue := redis_adapter.NewDelayedQueue(redisClient, cfg.QueueName)
	deadLetters := redis_adapter.NewDeadLetterQueue(redisClient)
	events := redis_adapter.NewStateEvents(redisClient)

	// Initialize domain services
	errReporter := reporter.New(cfg.ReportInterval, cfg.ReportBurst)
	writer := circuitbreaker.GuardStateWriter(repo, circuitbreaker.NewStateWriterBreaker("device-state-writer"))

	manager := services.NewOnlineStateManager(delayStore, queue, writer, errReporter, services.OnlineStateConfig{
		OfflineGrace:      cfg.OfflineGrace,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
		RetryDelay:        cfg.RetryDelay,
	}, services.WithEventPublisher(events), services.WithDeadLetters(deadLetters))
	manager.Start(ctx)

	fleet := services.NewFleetMonitor(repo, errReporter, cfg.SnapshotInterval)
	fleet.WatchQueue("pending", queue.Depth)
	fleet.WatchQueue("dead_letter", deadLetters.Count)
	go fleet.Start(ctx)

	healthService := services.NewHealthService(repo.DB(), redisClient, manager, version)

	// Live state stream
	hub := http_handler.NewHub(events, cfg.RetryDelay)
	go hub.Run(ctx)
	go hub.StateConsumer(ctx)

	if cfg.MQTTBrokerURL != "" {
		mqttPublisher, err := mqtt.NewPublisher(events, cfg.MQTTBrokerURL, cfg.MQTTTopicPrefix, cfg.RetryDelay)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			mqttPublisher.Start(ctx)
			defer mqttPublisher.Close()
			logger.Info("MQTT publisher started", "prefix", cfg.MQTTTopicPrefix)
		}
	}

	if cfg.ConfigFile != "" {
		go func() {
			err := config.Watch(ctx, cfg.ConfigFile, func(next *config.Config) {
				logger.SetLevel(next.LogLevel)
				manager.SetOfflineGrace(next.OfflineGrace)
				logger.Info("Applied config reload", "log_level", next.LogLevel, "offline_grace", next.OfflineGrace)
			})
			if err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           http_handler.NewServer(healthService, fleet, deadLetters, hub, cfg.EnableMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	manager.Stop()
	logger.Info("Online state consumer stopped")
}
