package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Aria_AI/internal/assistant/api"
	"Aria_AI/internal/assistant/service"
	"Aria_AI/internal/config"
	"Aria_AI/internal/database/kafka"
	"Aria_AI/internal/database/milvus"
	"Aria_AI/internal/database/mysql"
	"Aria_AI/internal/database/redis"
	"Aria_AI/internal/embedding"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/consumer"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/psyche"
	"Aria_AI/internal/session"
	"Aria_AI/pkg/circuitbreaker"
	"Aria_AI/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load Configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Logger
	level, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	appLogger := logger.New("AssistantService", "", "")
	appLogger.Info("Starting Assistant Service...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Storage Dependencies
	db, err := mysql.GetDB(&cfg.Databases.MySQL)
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	sqlStore := store.NewSQLStore(db)

	redisClient, err := redis.GetClient(&cfg.Databases.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cache := store.NewRedisCache(redisClient)

	milvusClient, err := milvus.GetClient(ctx, &cfg.Databases.Milvus)
	if err != nil {
		log.Fatalf("Failed to connect to Milvus: %v", err)
	}
	if err := milvusClient.EnsureCollection(ctx, cfg.Embedding.Dim); err != nil {
		log.Fatalf("Failed to ensure Milvus collection: %v", err)
	}

	// 4. Model Providers (wrapped in circuit breakers when enabled)
	generator, err := llm.NewLLM(cfg.LLM.Provider, defaultModel(cfg), defaultAPIKey(cfg), defaultBaseURL(cfg))
	if err != nil {
		log.Fatalf("Failed to create LLM client: %v", err)
	}
	embedder, err := embedding.NewEmdModel(cfg.Embedding.Provider, cfg.Embedding.Model.Name, cfg.Embedding.Model.APIKey, cfg.Embedding.Model.BaseURL)
	if err != nil {
		log.Fatalf("Failed to create embedding client: %v", err)
	}
	if cb := cfg.Middleware.CircuitBreaker; cb.Enabled {
		timeout, err := time.ParseDuration(cb.Timeout)
		if err != nil || timeout <= 0 {
			timeout = 30 * time.Second
		}
		generator = llm.WithBreaker(generator, circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, timeout))
		embedder = embedding.WithBreaker(embedder, circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, timeout))
	}

	// 5. Background Task Queue (Kafka when async mode is on, inline otherwise)
	var queue memory.TaskQueue
	var kafkaClient *kafka.KafkaClient
	if cfg.Memory.Async {
		kafkaClient, err = kafka.GetClient(&cfg.Databases.Kafka)
		if err != nil {
			log.Fatalf("Failed to connect to Kafka: %v", err)
		}
		queue = memory.NewKafkaQueue(kafkaClient)
	}

	// 6. Core Components
	memoryManager := memory.NewManager(cfg, sqlStore, sqlStore, cache, milvusClient, embedder, generator, queue)
	psycheMachine := psyche.New(&cfg.Psyche, sqlStore, sqlStore)
	sessionManager := session.NewManager(sqlStore)
	assistantService := service.New(cfg, sessionManager, memoryManager, psycheMachine, generator)

	// 7. Background Loops: task consumer and LTM retention reaper
	if kafkaClient != nil {
		go consumer.New(kafkaClient, memoryManager).Start(ctx)
	}
	go memoryManager.StartRetention(ctx, 6*time.Hour)

	// 8. HTTP Server
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(assistantService, sessionManager, memoryManager, psycheMachine)
	handler.HealthChecks["mysql"] = mysql.HealthCheck
	handler.HealthChecks["redis"] = redis.HealthCheck
	handler.HealthChecks["milvus"] = milvusClient.HealthCheck
	if kafkaClient != nil {
		handler.HealthChecks["kafka"] = func(context.Context) error { return kafkaClient.HealthCheck() }
	}
	router := api.SetupRouter(handler, cfg)

	addr := cfg.App.Address
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		appLogger.Info("HTTP server listening at " + addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve HTTP: %v", err)
		}
	}()

	// 9. Graceful Shutdown
	<-ctx.Done()
	appLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTP server shutdown: " + err.Error())
	}
	if kafkaClient != nil {
		if err := kafkaClient.Close(); err != nil {
			appLogger.Warn("Kafka shutdown: " + err.Error())
		}
	}
	milvusClient.Close()
	if err := redis.Close(); err != nil {
		appLogger.Warn("Redis shutdown: " + err.Error())
	}
	if err := mysql.Close(); err != nil {
		appLogger.Warn("MySQL shutdown: " + err.Error())
	}
	appLogger.Info("Assistant Service stopped")
}

func defaultModel(cfg *config.AppConfig) string {
	if len(cfg.LLM.Models) > 0 {
		return cfg.LLM.Models[0].Name
	}
	return ""
}

func defaultAPIKey(cfg *config.AppConfig) string {
	if len(cfg.LLM.Models) > 0 {
		return cfg.LLM.Models[0].APIKey
	}
	return ""
}

func defaultBaseURL(cfg *config.AppConfig) string {
	if len(cfg.LLM.Models) > 0 {
		return cfg.LLM.Models[0].BaseURL
	}
	return ""
}
