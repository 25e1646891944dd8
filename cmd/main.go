package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/logger"
	"pii-redactor/internal/telemetry"
	"pii-redactor/middleware"
	"pii-redactor/routes"
	"pii-redactor/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg)
	if err != nil {
		log.Fatal("Failed to initialize tracing:", err)
	}
	defer shutdownTracer()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	// MongoDB backs the job store and the gridfs archive
	var mongoDB *mongo.Database
	var jobs services.JobStore = services.NewMemoryJobStore(0)
	if cfg.MongoURI != "" {
		mongoClient, err := config.ConnectMongoDB(cfg)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mongoClient.Disconnect(ctx)
		}()
		mongoDB = mongoClient.Database(cfg.DBName)
		jobs = services.NewMongoJobStore(mongoDB)
	}

	// Redis backs rate limiting and the async queue
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = config.NewRedisClient(cfg)
		if err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer rdb.Close()
	}

	collaborators, err := services.NewCollaborators(context.Background(), cfg, mongoDB, metrics)
	if err != nil {
		log.Fatal("Failed to initialize collaborators:", err)
	}
	defer collaborators.Close()

	workspace, err := services.NewWorkspace(cfg.UploadDir, cfg.MaxFileSize)
	if err != nil {
		log.Fatal("Failed to prepare upload directory:", err)
	}

	pipeline := services.NewPipelineFromConfig(cfg, collaborators, workspace, jobs, metrics)

	var queueClient routes.Enqueuer
	if cfg.AsyncEnabled() {
		client := asynq.NewClientFromRedisClient(rdb)
		defer client.Close()
		queueClient = client

		reaper := services.NewJobReaper(jobs, services.JobStaleAfter(cfg))
		if err := reaper.Start(); err != nil {
			log.Fatal("Failed to start job reaper:", err)
		}
		defer reaper.Stop()
	}

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	if rdb != nil {
		router.Use(middleware.RateLimitMiddleware(middleware.NewRedisWindowCounter(rdb), cfg))
	}

	// Setup routes
	routes.SetupHealthRoutes(router, collaborators.ReadinessChecks())
	routes.SetupUploadRoutes(router, cfg, workspace, pipeline, queueClient)
	routes.SetupJobRoutes(router, jobs, services.NewExportService(jobs))

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "detector", collaborators.Detector.Name(), "archive", collaborators.Archiver.Name(), "async", queueClient != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	// In-flight uploads run the whole pipeline, so allow them time to finish
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
