package main

import (
	"context"
	"log"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/logger"
	"pii-redactor/internal/queue"
	"pii-redactor/internal/telemetry"
	"pii-redactor/services"

	"github.com/hibiken/asynq"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if !cfg.AsyncEnabled() {
		log.Fatal("Worker requires REDIS_URL and MONGO_URI")
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

	// Connect to MongoDB
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()
	mongoDB := mongoClient.Database(cfg.DBName)
	jobs := services.NewMongoJobStore(mongoDB)

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

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

	server := asynq.NewServerFromRedisClient(
		rdb,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queue.QueueRedaction: 1,
			},
			Logger:          logger.QueueLogger{},
			ShutdownTimeout: 2 * time.Minute,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	// Create task processor
	processor := queue.NewTaskProcessor(pipeline, workspace, jobs)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskRedactDocument, processor.ProcessRedaction)

	logger.Info("Starting redaction worker", "concurrency", 4, "queue", queue.QueueRedaction, "detector", collaborators.Detector.Name())

	// Start the server
	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}
