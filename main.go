package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-landmarket/internal/admin"
	"ms-landmarket/internal/api"
	"ms-landmarket/internal/auth"
	"ms-landmarket/internal/config"
	"ms-landmarket/internal/database/migrations"
	"ms-landmarket/internal/inventory"
	invdb "ms-landmarket/internal/inventory/db"
	invredis "ms-landmarket/internal/inventory/redis"
	"ms-landmarket/internal/kafka"
	"ms-landmarket/internal/logger"
	"ms-landmarket/internal/minting"
	"ms-landmarket/internal/payment"
	"ms-landmarket/internal/payment/indexer"
	paymentqr "ms-landmarket/internal/payment/qr"
	"ms-landmarket/internal/pricing"
	"ms-landmarket/internal/reservation"
	resdb "ms-landmarket/internal/reservation/db"
	"ms-landmarket/internal/settlement"
	setdb "ms-landmarket/internal/settlement/db"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	_, err = redisClient.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result()
	if err != nil {
		logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
	} else {
		logger.Info("REDIS", "Keyspace notifications enabled for expired events")
	}

	logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
	return bunDB, redisClient
}

// subscribeSlotUnlocks nudges the expiry sweep whenever a redis slot-lock
// key expires. Purely an acceleration: the lazy expire-on-access path and
// the periodic sweep cover the same ground without it.
func subscribeSlotUnlocks(rdb *redis.Client, reservations *reservation.Service, logger *logger.Logger) {
	ctx := context.Background()
	pubsub := rdb.PSubscribe(ctx, "__keyevent@0__:expired")
	logger.Info("REDIS", "Subscribed to Redis keyevent expired notifications")

	go func() {
		for msg := range pubsub.Channel() {
			if !strings.HasPrefix(msg.Payload, "slot_lock:") {
				continue
			}
			slotID := strings.TrimPrefix(msg.Payload, "slot_lock:")
			logger.Info("SLOT_UNLOCK", fmt.Sprintf("Slot lock expired for slot: %s", slotID))

			if n, err := reservations.ExpireDue(ctx, 50); err != nil {
				logger.Error("SLOT_UNLOCK", fmt.Sprintf("Expiry sweep after slot unlock failed: %v", err))
			} else if n > 0 {
				logger.Info("SLOT_UNLOCK", fmt.Sprintf("Expired %d reservations after slot unlock", n))
			}
		}
	}()
}

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Land Market Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	if os.Getenv("RUN_MIGRATIONS") != "false" {
		runner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
		if err := runner.RunMigrations(); err != nil {
			logger.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		logger.Info("DATABASE", "✅ Migrations applied")
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers)
		logger.Info("KAFKA", "Kafka producer initialized successfully")
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, kafka.AllTopics()); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}
		defer producer.Close()
	} else {
		logger.Warn("KAFKA", "Kafka disabled, events will not be published")
	}

	slotLocks := invredis.NewLocks(redisClient, logger, cfg.Reservation.LockTTL)
	inventoryService := inventory.NewService(&invdb.DB{Bun: bunDB}, slotLocks, logger, cfg.Reservation.LockTTL)

	calculator := pricing.NewCalculator(cfg.Pricing.TilePrice, cfg.Pricing.ReferralDiscount, cfg.Pricing.CommissionRate)

	var reservationPublisher reservation.Publisher
	var settlementPublisher settlement.Publisher
	if producer != nil {
		reservationPublisher = producer
		settlementPublisher = producer
	}

	qrGenerator := paymentqr.NewGenerator(cfg.Indexer.TokenContract)
	reservationService := reservation.NewService(
		&resdb.DB{Bun: bunDB},
		inventoryService,
		calculator,
		reservationPublisher,
		qrGenerator,
		logger,
		cfg.Indexer.RecipientAddress,
	)

	indexerClient := indexer.NewClient(cfg.Indexer.BaseURL, cfg.Indexer.APIKey, cfg.Indexer.Timeout, logger)
	matcher := payment.NewMatcher(indexerClient, cfg.Indexer.TokenContract,
		cfg.Indexer.ConfirmationThreshold, cfg.Indexer.BlockInterval, logger)

	settlementStore := &setdb.DB{Bun: bunDB}
	mintingService := minting.NewService(settlementStore, cfg.Minting.ServiceURL, 10*time.Second, logger)
	if cfg.Auth.KeycloakURL != "" {
		mintingService.Tokens = &auth.M2MTokenSource{
			Config: cfg.Auth,
			Cache:  auth.NewRedisTokenCache(redisClient),
			Client: &http.Client{Timeout: 10 * time.Second},
		}
		logger.Info("AUTH", "M2M token source configured for mint service calls")
	}

	var mintForSettlement settlement.Minter
	if cfg.Minting.ServiceURL != "" {
		mintForSettlement = mintingService
	} else {
		logger.Warn("MINTING", "MINTING_SERVICE_URL not set, minting deferred to reconciliation")
	}

	settlementService := settlement.NewService(bunDB, reservationService, matcher, mintForSettlement, settlementPublisher, logger)

	handler := &api.Handler{
		Reservations: reservationService,
		Settlement:   settlementService,
		Inventory:    inventoryService,
	}

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	// --- Public Routes ---
	handler.PublicRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	logger.Info("ROUTER", "Public area listing registered at /api/areas")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.Issuer))
		logger.Info("AUTH", "JWT middleware applied to protected API routes")

		handler.Routes(r)
		logger.Info("ROUTER", "Reservation routes registered under /api/reservations")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("REDIS", "Starting slot unlock subscription")
	subscribeSlotUnlocks(redisClient, reservationService, logger)

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go reservationService.RunSweeper(bgCtx, cfg.Reservation.SweepInterval)
	if cfg.Minting.ServiceURL != "" {
		go mintingService.Run(bgCtx, cfg.Minting.ReconcileInterval)
	}

	// Operator surface on its own port.
	gin.SetMode(gin.ReleaseMode)
	adminEngine := gin.New()
	adminEngine.Use(gin.Recovery())
	adminHandler := &admin.Handler{
		Reservations: reservationService,
		Settlement:   settlementService,
		Minting:      mintingService,
		Store:        settlementStore,
		Logger:       logger,
	}
	adminHandler.Register(adminEngine)
	adminServer := &http.Server{
		Addr:    os.Getenv("ADMIN_PORT"),
		Handler: adminEngine,
	}
	if adminServer.Addr == "" {
		adminServer.Addr = ":8087"
	}
	go func() {
		logger.Info("HTTP", fmt.Sprintf("Admin surface running on %s", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP", fmt.Sprintf("Admin server error: %v", err))
		}
	}()

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Land Market Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	cancelBg()
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Admin server shutdown failed: %v", err))
	}
	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ Land Market Service shutdown complete")
	}
}
