package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/alexnthnz/contract-reminders/api/grpc"
	"github.com/alexnthnz/contract-reminders/api/rest"
	"github.com/alexnthnz/contract-reminders/internal/channels"
	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/database"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
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

	logger.Info("Starting Reminder API Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	settings := config.NewSettingsStore(cfg.Settings)
	pol, err := policy.NewSource(settings, logger)
	if err != nil {
		logger.Fatal("Invalid global settings", zap.Error(err))
	}
	config.WatchSettings(settings, policy.Validate, logger)

	// Initialize metrics
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	logger.Info("Metrics initialized")

	// Connect to PostgreSQL
	postgres, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer postgres.Close()

	// Initialize database schema
	if err := postgres.InitSchema(context.Background()); err != nil {
		logger.Fatal("Failed to initialize database schema", zap.Error(err))
	}
	logger.Info("Database connected and schema initialized")

	// Connect to Redis
	redis, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()
	logger.Info("Redis connected")

	rules := store.NewPostgresRuleStore(postgres.DB)
	notifications := store.NewPostgresStore(postgres.DB)
	res := resolver.New(
		resolver.NewPostgresEntityStore(postgres.DB),
		logger,
		resolver.NewLocalCache(cfg.Redis.AnchorTTL),
		resolver.NewRedisCache(redis.Client, cfg.Redis.AnchorTTL, logger),
	)

	// Plans created here wake the scheduler nodes over Redis.
	nodeID := cfg.Scheduler.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	planner := scheduler.NewPlanner(
		rules,
		notifications,
		res,
		recurrence.New(cfg.Scheduler.GraceWindow, cfg.Scheduler.Horizon),
		pol,
		logger,
	).
		WithWaker(scheduler.NewRedisWaker(redis.Client, nil, "api-"+nodeID, logger)).
		WithMetrics(metrics)

	// Initialize reminder service
	service := notification.NewService(rules, notifications, planner, notification.NewRuleValidator(res), settings, logger)
	logger.Info("Reminder service initialized")

	// Initialize REST API handler
	handler := rest.NewHandler(service, metrics, logger).
		WithInbox(channels.NewInAppChannel(redis.Client))
	router := handler.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Start gRPC server
	grpcServer := grpcapi.NewServer(service, metrics, logger)
	gs := grpc.NewServer(grpc.UnaryInterceptor(grpcServer.UnaryMetricsInterceptor))
	grpcServer.Register(gs)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.String("addr", grpcAddr), zap.Error(err))
	}
	go func() {
		logger.Info("Starting gRPC server", zap.String("addr", grpcAddr))
		if err := gs.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gs.GracefulStop()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
