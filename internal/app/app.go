package app

import (
	"context"
	"fmt"
	"time"

	"ovinet_backend/database"
	"ovinet_backend/internal/config"
	"ovinet_backend/internal/device"
	"ovinet_backend/internal/email"
	"ovinet_backend/internal/gateway"
	"ovinet_backend/internal/handlers"
	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/middleware"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/internal/routes"
	"ovinet_backend/internal/services"
	"ovinet_backend/internal/storage"
	"ovinet_backend/internal/validator"
	"ovinet_backend/internal/workers"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func Run() {
	config.LoadConfig()
	cfg := config.AppConfig
	logger.Init(cfg.Server.Env)
	logger.Info("Logger initialized", "env", cfg.Server.Env)

	logger.Info("Connecting to database...")
	gormDB, err := database.ConnectGorm()
	if err != nil {
		logger.Fatal("Failed to connect to GORM", "error", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		logger.Fatal("Failed to get *sql.DB from GORM", "error", err)
	}
	if err = sqlDB.Ping(); err != nil {
		logger.Fatal("Database unavailable", "error", err)
	}
	logger.Info("Database connected")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("Migration failed", "error", err)
	}

	ginRouter := SetupRouter(cfg, gormDB)

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info(fmt.Sprintf("🚀 Server starting on %s", address))
	if err := ginRouter.Run(address); err != nil {
		logger.Fatal("Server startup error", "error", err)
	}
}

func SetupRouter(cfg *config.Config, gormDB *gorm.DB) *gin.Engine {
	storageInstance, err := storage.NewStorage(storage.Config{
		Type:      cfg.Storage.Type,
		BasePath:  cfg.Storage.BasePath,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Endpoint:  cfg.Storage.Endpoint,
	})
	if err != nil {
		logger.Fatal("Failed to initialize storage", "error", err)
	}
	logger.Info("Storage initialized", "type", cfg.Storage.Type)

	deviceClient := device.NewRouterOSClient(device.Config{
		Address:  cfg.Device.Address,
		Username: cfg.Device.Username,
		Password: cfg.Device.Password,
		Timeout:  time.Duration(cfg.Device.TimeoutSeconds) * time.Second,
	})

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		ConsumerKey:    cfg.Gateway.ConsumerKey,
		ConsumerSecret: cfg.Gateway.ConsumerSecret,
		TokenTTL:       time.Duration(cfg.Gateway.TokenTTLMinutes) * time.Minute,
	})

	emailProvider := initializeEmail(cfg)

	serviceContainer, workerSet := initializeServices(cfg, gormDB, deviceClient, gatewayClient, emailProvider, storageInstance)

	appHandlers := initializeHandlers(serviceContainer)

	// Background loops live for the whole process
	workerCtx := context.Background()
	for _, w := range workerSet {
		w.Start(workerCtx)
	}

	ginRouter := initializeGinRouter(cfg)
	routes.RegisterRoutes(ginRouter, appHandlers, cfg)

	return ginRouter
}

// Worker is the common shape of the background loops.
type Worker interface {
	Start(ctx context.Context)
}

func initializeServices(
	cfg *config.Config,
	gormDB *gorm.DB,
	deviceClient device.Client,
	gatewayClient *gateway.Client,
	emailProvider email.Provider,
	storageInstance storage.Storage,
) (*services.ServiceContainer, []Worker) {
	// Repositories
	sessionRepo := repositories.NewSessionRepository(gormDB)
	subscriptionRepo := repositories.NewSubscriptionRepository(gormDB)
	packageRepo := repositories.NewPackageRepository(gormDB)
	usageRepo := repositories.NewUsageRepository(gormDB)
	alertRepo := repositories.NewAlertRepository(gormDB)

	// Services
	sessionService := services.NewSessionService(
		sessionRepo, subscriptionRepo, usageRepo, alertRepo,
		deviceClient, services.DevicePolicyFromConfig(cfg),
	)
	subscriptionService := services.NewSubscriptionService(
		subscriptionRepo, packageRepo, sessionRepo, sessionService, gatewayClient,
	)

	container := &services.ServiceContainer{
		SessionService:      sessionService,
		SubscriptionService: subscriptionService,
		EmailService:        emailProvider,
	}

	workerSet := []Worker{
		workers.NewReconcileWorker(sessionRepo, alertRepo, sessionService, emailProvider, cfg),
		workers.NewExpiryWorker(gormDB, subscriptionRepo, sessionRepo, sessionService),
		workers.NewArchiveWorker(sessionRepo, usageRepo, storageInstance, cfg),
	}

	return container, workerSet
}

func initializeHandlers(container *services.ServiceContainer) *handlers.AppHandlers {
	customValidator := validator.New()
	baseHandler := handlers.NewBaseHandler(customValidator)

	return &handlers.AppHandlers{
		SessionHandler: handlers.NewSessionHandler(baseHandler, container.SessionService),
		WebhookHandler: handlers.NewWebhookHandler(baseHandler, container.SubscriptionService, container.SessionService),
	}
}

func initializeEmail(cfg *config.Config) email.Provider {
	if cfg.Email.SMTPHost == "" {
		logger.Warn("No SMTP host configured, alert email disabled (mock provider)")
		return &MockEmailProvider{}
	}

	return email.NewSMTPProvider(&email.SMTPConfig{
		Host:      cfg.Email.SMTPHost,
		Port:      cfg.Email.SMTPPort,
		Username:  cfg.Email.SMTPUsername,
		Password:  cfg.Email.SMTPPassword,
		FromEmail: cfg.Email.FromEmail,
		FromName:  cfg.Email.FromName,
		UseTLS:    cfg.Email.UseTLS,
	})
}

func initializeGinRouter(cfg *config.Config) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	return router
}
