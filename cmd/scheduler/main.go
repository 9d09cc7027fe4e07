package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/channels"
	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/database"
	"github.com/alexnthnz/contract-reminders/internal/dispatch"
	"github.com/alexnthnz/contract-reminders/internal/escalation"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/queue"
	"github.com/alexnthnz/contract-reminders/internal/recurrence"
	"github.com/alexnthnz/contract-reminders/internal/resolver"
	"github.com/alexnthnz/contract-reminders/internal/scheduler"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Scheduler.NodeID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.NodeID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	logger = logger.With(zap.String("node_id", cfg.Scheduler.NodeID))
	logger.Info("Starting Reminder Scheduler")

	settings := config.NewSettingsStore(cfg.Settings)
	pol, err := policy.NewSource(settings, logger)
	if err != nil {
		logger.Fatal("Invalid global settings", zap.Error(err))
	}
	config.WatchSettings(settings, policy.Validate, logger)

	// Initialize metrics
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	// Connect to PostgreSQL
	postgres, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize channels
	manager := channels.NewManager()
	manager.RegisterChannel(channels.NewInAppChannel(redis.Client))
	if cfg.Channels.SendGrid.APIKey != "" {
		manager.RegisterChannel(channels.NewEmailChannel(cfg.Channels.SendGrid, logger))
	}
	if cfg.Channels.Twilio.AccountSID != "" {
		manager.RegisterChannel(channels.NewSMSChannel(cfg.Channels.Twilio, logger))
	}
	if cfg.Channels.Firebase.CredentialsPath != "" {
		push, err := channels.NewPushChannel(ctx, cfg.Channels.Firebase, logger)
		if err != nil {
			logger.Fatal("Failed to initialize push channel", zap.Error(err))
		}
		manager.RegisterChannel(push)
	}
	logger.Info("Channels initialized")

	// Initialize Kafka
	alerts := queue.NewAlertProducer(cfg.Kafka, logger)
	defer alerts.Close()
	changes := queue.NewChangeConsumer(cfg.Kafka, logger)
	defer changes.Close()

	rules := store.NewPostgresRuleStore(postgres.DB)
	notifications := store.NewPostgresStore(postgres.DB)
	res := resolver.New(
		resolver.NewPostgresEntityStore(postgres.DB),
		logger,
		resolver.NewLocalCache(cfg.Redis.AnchorTTL),
		resolver.NewRedisCache(redis.Client, cfg.Redis.AnchorTTL, logger),
	)

	dispatcher := dispatch.New(rules, notifications, manager, settings, cfg.Dispatch, cfg.Scheduler.NodeID, logger).
		WithAlerts(alerts).
		WithPolicy(pol).
		WithRateLimits(cfg.Channels.RateLimits).
		WithMetrics(metrics)

	loop := scheduler.NewLoop(notifications, dispatcher, cfg.Scheduler, logger).WithMetrics(metrics)
	waker := scheduler.NewRedisWaker(redis.Client, loop, loop.NodeID(), logger)

	planner := scheduler.NewPlanner(
		rules,
		notifications,
		res,
		recurrence.New(cfg.Scheduler.GraceWindow, cfg.Scheduler.Horizon),
		pol,
		logger,
	).
		WithWaker(waker).
		WithMetrics(metrics)

	sweeper := scheduler.NewSweeper(planner, redis, loop.NodeID(), cfg.Scheduler.SweepInterval, logger)

	controller := escalation.NewController(notifications, settings, pol, cfg.Escalation, logger).
		WithAlerts(alerts).
		WithWaker(waker).
		WithMetrics(metrics)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Component stopped", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}

	run("scheduler", loop.Run)
	run("waker", waker.Listen)
	run("sweeper", sweeper.Run)
	run("escalation", controller.Run)
	run("changes", func(ctx context.Context) error {
		return changes.Consume(ctx, planner.HandleChange)
	})

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}

		go func() {
			logger.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down scheduler...")

	wg.Wait()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Scheduler exited")
}
