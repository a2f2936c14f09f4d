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

	"procurement-service/config"
	"procurement-service/internal/api"
	"procurement-service/internal/broker"
	"procurement-service/internal/invoice"
	"procurement-service/internal/realtime"
	"procurement-service/internal/redisclient"
	"procurement-service/internal/service"
	"procurement-service/internal/store"
	"procurement-service/internal/util"
	"procurement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type repository interface {
	store.Repository
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting procurement service",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Database.Driver),
		zap.String("event_transport", cfg.Realtime.EventTransport),
		zap.String("bus", cfg.Realtime.Bus))

	tp, err := util.InitTracer("procurement-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var repo repository
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on restart")
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		if cfg.Database.RunMigrations {
			if err := db.Migrate(); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		repo = db
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown STORE_DRIVER", zap.String("driver", cfg.Database.Driver))
	}
	defer repo.Close()

	var redisClient *redisclient.Client
	if cfg.Realtime.Bus == "redis" || cfg.Business.IdempotencyTTLSeconds > 0 {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			if cfg.Realtime.Bus == "redis" {
				logger.Fatal("Failed to connect to Redis", zap.Error(err))
			}
			logger.Warn("Redis unavailable, idempotency replay disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info("Redis connected")
		}
	}

	var bus realtime.Bus
	if cfg.Realtime.Bus == "redis" {
		bus = realtime.NewRedisBus(redisClient, cfg.Redis.Channel)
	} else {
		bus = realtime.NewLocalBus()
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var publisher service.EventPublisher
	var relay *worker.RealtimeRelay
	switch cfg.Realtime.EventTransport {
	case "kafka":
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		relay = worker.NewRealtimeRelay(consumer, bus)
		go func() {
			if err := relay.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Realtime relay error", zap.Error(err))
			}
		}()
		logger.Info("Kafka event stream initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	case "direct":
		publisher = realtime.NewBusPublisher(bus)
	default:
		logger.Fatal("Unknown EVENT_TRANSPORT", zap.String("transport", cfg.Realtime.EventTransport))
	}

	services := service.New(service.Deps{
		Repo:      repo,
		Publisher: publisher,
		Invoices: invoice.NewGenerator(invoice.Terms{
			TaxRate:  cfg.Business.InvoiceTaxRate,
			Discount: cfg.Business.InvoiceDiscount,
			DueDays:  cfg.Business.InvoiceDueDays,
		}),
		DefaultCurrency: cfg.Business.DefaultCurrency,
	})

	hub := realtime.NewHub(bus, services.Orders, services.Negotiation, cfg.Realtime.AllowedOrigins)
	go func() {
		if err := hub.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Realtime hub error", zap.Error(err))
		}
	}()

	var sweeper *worker.ExpirySweeper
	if spec := cfg.Business.QuotationExpirySweep; spec != "" {
		var locker worker.Locker
		if redisClient != nil {
			locker = redisClient
		}
		sweeper, err = worker.NewExpirySweeper(spec, services.Expiry, locker)
		if err != nil {
			logger.Fatal("Failed to schedule expiry sweep", zap.Error(err))
		}
		sweeper.Start()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := api.Options{
		Hub:            hub,
		IdempotencyTTL: time.Duration(cfg.Business.IdempotencyTTLSeconds) * time.Second,
		Ready: func(ctx context.Context) error {
			if err := repo.Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			if redisClient != nil {
				if err := redisClient.Ping(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	}
	if redisClient != nil {
		opts.Idempotency = redisClient
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(services, api.NewAuthenticator(cfg.Auth.JWTSecret), opts)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	workerCancel()
	if relay != nil {
		if err := relay.Stop(); err != nil {
			logger.Warn("Error stopping realtime relay", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
