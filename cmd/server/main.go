package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"backer-import/config"
	"backer-import/internal/api"
	"backer-import/internal/broker"
	"backer-import/internal/importer"
	"backer-import/internal/queue"
	"backer-import/internal/redisclient"
	"backer-import/internal/service"
	"backer-import/internal/store"
	"backer-import/internal/util"
	"backer-import/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting backer import service",
		zap.String("env", cfg.Server.Env),
		zap.String("role", cfg.Server.Role),
	)

	jaegerEndpoint := cfg.Observ.JaegerEndpoint
	if !cfg.Observ.TracingEnabled {
		jaegerEndpoint = ""
	}
	tp, err := util.InitTracer(cfg.Observ.ServiceName, jaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.ApplySchema {
		if err := db.ApplySchema(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	checks := map[string]api.ReadinessCheck{"database": db.Ping}

	var transport queue.Transport
	var idempotency service.IdempotencyStore
	if cfg.Queue.Driver == "memory" {
		transport = queue.NewMemoryTransport()
		logger.Warn("Using in-memory queue; jobs are lost on restart")
	} else {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		transport = queue.NewRedisTransport(redisClient, cfg.Queue.Name)
		idempotency = redisClient
		checks["redis"] = redisClient.Ping
	}

	var publisher service.EventPublisher = broker.NopPublisher{}
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicUpload)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicUpload))
	}

	aliases, err := importer.LoadAliasTable(cfg.Import.ColumnAliasesPath)
	if err != nil {
		logger.Fatal("Failed to load column aliases", zap.Error(err))
	}

	jobQueue := queue.New(cfg.Queue.Name, transport, queue.JobOptions{
		Attempts: cfg.Queue.Attempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffExponential,
			Delay: cfg.Queue.BackoffDelay,
		},
		MaxBackoff:       cfg.Queue.MaxBackoff,
		RemoveOnComplete: true,
		Retention:        cfg.Queue.FailedRetention,
	})

	evaluator := service.NewCompletionEvaluator(db, publisher)
	processor := service.NewChunkProcessor(db, aliases, publisher)
	uploadService := service.NewUploadService(db, jobQueue, idempotency, evaluator, aliases, cfg.Import.IdempotencyTTL)

	var wg sync.WaitGroup

	var chunkWorker *worker.ChunkWorker
	if cfg.Server.Role != config.RoleAPI {
		chunkWorker = worker.NewChunkWorker(jobQueue, processor, evaluator, queue.WorkerOptions{
			Concurrency:         cfg.Queue.Concurrency,
			RateLimit:           cfg.Queue.RateLimit,
			RatePeriod:          cfg.Queue.RatePeriod,
			LockDuration:        cfg.Queue.LockDuration,
			PollInterval:        cfg.Queue.PollInterval,
			MaintenanceInterval: cfg.Queue.MaintenanceInterval,
			Jitter:              cfg.Queue.BackoffDelay / 4,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := chunkWorker.Start(context.Background()); err != nil {
				logger.Error("Chunk worker error", zap.Error(err))
			}
		}()
	}

	var srv *http.Server
	if cfg.Server.Role != config.RoleWorker {
		if cfg.Server.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}

		router := gin.New()
		handler := api.NewHandler(uploadService, jobQueue, checks)
		handler.SetupRoutes(router)

		srv = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: router,
		}

		go func() {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Failed to start server", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
	}

	if chunkWorker != nil {
		chunkWorker.Stop()
	}
	wg.Wait()

	logger.Info("Server exited")
}
