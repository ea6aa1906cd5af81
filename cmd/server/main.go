package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/detutorfocus/forex-app/internal/config"
	"github.com/detutorfocus/forex-app/internal/handler"
	"github.com/detutorfocus/forex-app/internal/middleware"
	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/internal/venue/mt5"
	"github.com/detutorfocus/forex-app/internal/worker"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize file logging
	if err := middleware.InitLogger(cfg.Log.Dir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize Redis
	rdb := initRedis(cfg)

	// Auto migrate database
	if err := autoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	auditRepo := repository.NewAuditEventRepository(db)
	credRepo := repository.NewBrokerCredentialRepository(db)

	// Venue bridge
	driver := mt5.NewClient(cfg.Venue)
	var stream service.TickStreamer
	if cfg.Venue.StreamURL != "" {
		stream = mt5.NewTickStream(cfg.Venue.StreamURL)
	}

	// Initialize services
	authService := service.NewAuthService(userRepo, cfg.JWT)
	credService := service.NewCredentialService(credRepo, cfg.Encryption)
	ledgerService := service.NewLedgerService(db, tradeRepo, auditRepo)
	execService := service.NewExecutionService(db, tradeRepo, ledgerService, credService, driver, cfg.Trading)
	marketService := service.NewMarketService(rdb, stream)

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService)
	credHandler := handler.NewCredentialHandler(credService)
	tradingHandler := handler.NewTradingHandler(execService, tradeRepo, ledgerService)
	auditHandler := handler.NewAuditHandler(ledgerService)
	marketHandler := handler.NewMarketHandler(marketService)

	// Create Gin router
	router := gin.Default()

	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RequestLoggerMiddleware())
	router.Use(corsMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
			"time":       time.Now().Unix(),
			"stream":     marketService.IsStreamConnected(),
		})
	})

	// API v1 routes
	authMiddleware := middleware.AuthMiddleware(authService)
	adminMiddleware := middleware.AdminRequired()

	v1 := router.Group("/api/v1")
	{
		authHandler.RegisterRoutes(v1, authMiddleware)
		credHandler.RegisterRoutes(v1, authMiddleware)
		tradingHandler.RegisterRoutes(v1, authMiddleware)
		auditHandler.RegisterRoutes(v1, authMiddleware, adminMiddleware)
		marketHandler.RegisterRoutes(v1)
	}

	// Start market data service
	ctx := context.Background()
	if err := marketService.Start(ctx, cfg.Trading.AllowedSymbols); err != nil {
		log.Printf("Warning: Failed to start market service: %v", err)
	}

	// Start position reconciliation worker
	syncWorker := worker.NewPositionSyncWorker(db, tradeRepo, ledgerService, credService, driver, 30*time.Second)
	go syncWorker.Start()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	syncWorker.Stop()
	marketService.Stop()

	// Graceful shutdown with 10 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Close Redis connection
	if err := rdb.Close(); err != nil {
		log.Printf("Error closing Redis connection: %v", err)
	}

	log.Println("Server exited properly")
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	// TranslateError maps duplicate-key violations onto gorm.ErrDuplicatedKey,
	// which the audit repository relies on to detect concurrent appends.
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.BrokerCredential{},
		&models.Trade{},
		&models.AuditEvent{},
	)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
