package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/escalor/escalor/internal/backends"
	"github.com/escalor/escalor/internal/config"
	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/events"
	"github.com/escalor/escalor/internal/handlers"
	"github.com/escalor/escalor/internal/jobs"
	"github.com/escalor/escalor/internal/middleware"
	"github.com/escalor/escalor/internal/scheduler"
	"github.com/escalor/escalor/internal/services"
	"github.com/escalor/escalor/internal/webhooks"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Escalor...")

	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/webhook/*",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	if cfg.SeedFile != "" {
		if err := database.SeedFromFile(db, cfg.SeedFile); err != nil {
			log.Fatalf("Failed to apply seed file %s: %v", cfg.SeedFile, err)
		}
		log.Printf("Applied seed file %s", cfg.SeedFile)
	}

	// Notification backends
	registry := backends.NewRegistry()
	registry.Register(backends.NewLogBackend())
	registry.Register(backends.NewEmailBackend(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword))
	if cfg.SlackBotToken != "" {
		registry.Register(backends.NewSlackBackend(cfg.SlackBotToken))
		log.Printf("Slack notification backend enabled")
	}
	if cfg.TelegramBotToken != "" {
		telegram, err := backends.NewTelegramBackend(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("Failed to initialize Telegram backend: %v", err)
		}
		registry.Register(telegram)
		log.Printf("Telegram notification backend enabled")
	}

	// Task queue, escalation engine and services
	queue := scheduler.New(db, cfg.SchedulerWorkers, cfg.SchedulerPollInterval)
	bus := events.NewBus()

	notificationService := services.NewNotificationService(db, queue, registry, cfg.DefaultBackend)
	onCallResolver := services.NewOnCallResolver(db)
	webhookTrigger := webhooks.NewTrigger(db, queue)

	executor := escalation.NewExecutor(db, notificationService, onCallResolver, webhookTrigger)
	escalationManager := escalation.NewManager(db, queue, executor)
	alertGroupService := services.NewAlertGroupService(db, queue, escalationManager, bus)
	executor.SetLastStepResolver(alertGroupService)

	alertService := services.NewAlertService(db, alertGroupService, escalationManager, bus)

	escalationManager.RegisterHandlers()
	notificationService.RegisterHandlers()
	alertGroupService.RegisterHandlers()
	webhookTrigger.RegisterHandlers()
	queue.Start()

	// Background jobs
	stopJobs := make(chan struct{})
	silenceMonitor := jobs.NewSilenceMonitor(db, alertGroupService)
	go silenceMonitor.Start(30*time.Second, stopJobs)
	taskMonitor := jobs.NewTaskMonitor(queue)
	go taskMonitor.Start(time.Minute, stopJobs)

	// HTTP endpoints
	alertHandler := handlers.NewAlertHandler(alertService)
	alertGroupHandler := handlers.NewAlertGroupHandler(db, alertGroupService)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)
	eventsHandler := handlers.NewEventsHandler(bus)
	httpHandler := handlers.NewHTTPHandler(alertHandler, alertGroupHandler, authHandler, eventsHandler)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)

	var handler http.Handler = mux
	handler = jwtAuthMiddleware.Wrap(handler)
	handler = middleware.NewCORSMiddleware().Wrap(handler)
	handler = middleware.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stopJobs)
	queue.Stop()
	if err := httpServer.Close(); err != nil {
		log.Printf("Error closing HTTP server: %v", err)
	}
	if err := database.Close(db); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
