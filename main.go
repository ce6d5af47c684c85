package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/api"
	"sankey-license-server/internal/application"
	"sankey-license-server/internal/auth"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/email"
	"sankey-license-server/internal/events"
	"sankey-license-server/internal/integration"
	"sankey-license-server/internal/logging"
	"sankey-license-server/internal/pipeline"
	"sankey-license-server/internal/queue"
	"sankey-license-server/internal/secrets"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Initialize database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)
	logger.Info("Database initialized", "host", cfg.DatabaseConfig.Host, "database", cfg.DatabaseConfig.Database)

	// Initialize secret store
	secretStore, err := secrets.NewStore(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize secret store: %v", err)
	}
	logger.Info("Secret store initialized", "vault_enabled", cfg.VaultConfig.Enabled)

	// Initialize Redis-backed delay queue
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	// One delivery attempt per handover: every failed delivery goes through
	// the give-up hook so the lifecycle's failure counter is the single
	// retry budget.
	delayQueue := queue.NewDelayQueue(redisClient, 1)
	logger.Info("Delay queue initialized", "addr", cfg.RedisConfig.Addr)

	// Core services
	mailer := email.NewService(cfg.SMTPConfig)
	lifecycle := application.NewLifecycle(repo, delayQueue, eventBus, mailer, cfg.LicenseConfig)
	automationClient := integration.NewClient(cfg.IntegrationConfig)
	protocol := integration.NewProtocol(repo, automationClient, eventBus)

	auditLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	processor := pipeline.NewProcessor(repo, lifecycle, secretStore, mailer, protocol, repo, auditLogger)

	// Wire the queue: due messages run through the pipeline, failed
	// deliveries go through lifecycle failure accounting, which requeues
	// with backoff until the budget is spent.
	delayQueue.Start(processor.Process, func(ctx context.Context, msg queue.Message, err error) {
		lifecycle.RecordFailure(ctx, msg.OwnerID, msg.ApplicationKey, err.Error())
	})
	defer delayQueue.Stop()

	// HTTP API
	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, 24*time.Hour)
	server := api.NewServer(cfg.ServerConfig, repo, lifecycle, protocol, secretStore, delayQueue, eventBus, jwtManager)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	logger.Info("License server started", "port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	delayQueue.Stop()
	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", "error", err)
	}

	logger.Info("Shutdown complete")
}
