package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"servicedesk-notification/internal/api"
	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/config"
	"servicedesk-notification/internal/dedupe"
	"servicedesk-notification/internal/delivery"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/filter"
	"servicedesk-notification/internal/kafka"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/notification"
	"servicedesk-notification/internal/scheduler"
	"servicedesk-notification/internal/store"
	"servicedesk-notification/internal/tickets"
)

// pipelineNotifier feeds escalation-produced events back into the ingestion
// pipeline. The service is attached after construction because the
// escalation manager and the service depend on each other.
type pipelineNotifier struct {
	svc *notification.Service
}

func (n *pipelineNotifier) QueueEvent(event models.NotificationEvent) {
	n.svc.QueueEvent(event, "escalation")
}

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Close()

	// Connect to database
	st, err := store.NewPostgres(cfg.DB.DSN)
	if err != nil {
		logger.Errorf("Failed to connect to database: %v", err)
		log.Fatalf("Database connection failed: %v", err)
	}
	defer st.Close()

	// Redis-backed delivery dedupe
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	deduper := dedupe.NewRedisDeduper(redisClient, cfg.Redis.DedupeTTL)

	// Delivery channels and dispatcher
	wsManager := delivery.NewWebSocketManager(logger)
	dispatcher := delivery.NewDispatcher(st, deduper, logger,
		delivery.NewEmailChannel(cfg, logger),
		delivery.NewTelegramChannel(20, logger),
		delivery.NewWebhookChannel(logger),
		delivery.NewWebSocketChannel(wsManager, logger),
	)

	clk := clock.Real{}
	batcher := batch.New(st, clk, dispatcher, logger, batch.Options{
		DeliveryTimeout:   cfg.Engine.DeliveryTimeout,
		RetryMaxAttempts:  cfg.Engine.RetryMaxAttempts,
		RetryInitialDelay: cfg.Engine.RetryInitialDelay,
	})

	// Escalation engine, fed back into the pipeline through the notifier
	ticketClient := tickets.NewClient(cfg.Tickets.BaseURL, logger)
	notifier := &pipelineNotifier{}
	executor := escalation.NewExecutor(notifier, ticketClient, logger)
	escalations := escalation.NewManager(st, clk, ticketClient, executor, logger)

	filterEngine := filter.New(st, clk, logger)
	svc := notification.New(filterEngine, batcher, escalations, logger, cfg.Engine.QueueSize, cfg.Engine.MaxWorkers)
	notifier.svc = svc

	var wg sync.WaitGroup
	svc.Start(&wg)

	sched := scheduler.New(batcher, escalations, clk, cfg.Engine.SweepInterval, logger)
	sched.Start(context.Background())

	// Kafka consumer
	consumer := kafka.NewConsumer(kafka.Config{
		Broker:  cfg.Kafka.Broker,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}, svc)
	consumer.Start(&wg)

	// API server
	router := api.NewRouter(st, svc, escalations, wsManager, logger, cfg.API.BasePath)
	server := &http.Server{Addr: cfg.API.Port, Handler: router}
	go func() {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API server failed: %v", err)
		}
	}()

	// Shutdown: stop intake first, then drain workers and in-flight flushes
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API shutdown failed: %v", err)
	}
	consumer.Close()
	sched.Stop()
	svc.Stop()
	wg.Wait()
	batcher.Wait()
	logger.Infof("Shutdown complete")
}
