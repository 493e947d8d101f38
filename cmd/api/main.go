package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/api/handlers"
	"github.com/proposal-insights/backend/internal/cache/redis"
	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/evaluation"
	"github.com/proposal-insights/backend/internal/gate"
	"github.com/proposal-insights/backend/internal/ingestion"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/internal/middleware/ratelimit"
	"github.com/proposal-insights/backend/internal/middleware/security"
	"github.com/proposal-insights/backend/internal/middleware/validation"
	"github.com/proposal-insights/backend/internal/query"
	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/internal/storage/sqlite"
	"github.com/proposal-insights/backend/internal/vector/milvus"
	"github.com/proposal-insights/backend/pkg/config"
	appLogger "github.com/proposal-insights/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting query interpretation API server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	registry, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		appLogger.Fatal("Failed to load function catalog", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without shared caches", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	llmGate := gate.New(gate.Config{
		MaxConcurrent:   cfg.Gate.MaxConcurrent,
		Spacing:         cfg.Gate.Spacing(),
		AvgCallDuration: time.Duration(cfg.Gate.AvgCallSec) * time.Second,
		BacklogWarn:     cfg.Gate.BacklogWarn,
		Logger:          appLogger.Named("gate"),
	})
	defer llmGate.Close()

	llmClient, err := llm.NewClient(llm.Config{
		Model:              cfg.LLM.Model,
		PrimaryAPIKey:      cfg.LLM.PrimaryAPIKey,
		BackupAPIKey:       cfg.LLM.BackupAPIKey,
		BaseURL:            cfg.LLM.BaseURL,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		Timeout:            time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxAttempts:        cfg.LLM.MaxAttempts,
		CorrectionAttempts: cfg.LLM.CorrectionAttempts,
	}, llmGate)
	if err != nil {
		appLogger.Fatal("Failed to create LLM client", zap.Error(err))
	}

	sizingCfg := sizing.Config{
		Table:     cfg.Sizing.Table,
		FeeColumn: cfg.Sizing.FeeColumn,
		TTL:       cfg.Sizing.CacheTTL(),
	}
	if redisClient != nil {
		sizingCfg.Store = redisClient
	}
	calculator, err := sizing.NewCalculator(sqliteClient, sizingCfg)
	if err != nil {
		appLogger.Fatal("Failed to create sizing calculator", zap.Error(err))
	}
	if _, err := calculator.CalculatePercentiles(ctx, false, ""); err != nil {
		appLogger.Warn("Percentiles unavailable, fallback thresholds in use", zap.Error(err))
	}

	engineCfg := query.Config{
		TopK:     cfg.RAG.TopK,
		CacheTTL: cfg.Redis.ClassificationTTL(),
	}
	if redisClient != nil {
		engineCfg.Cache = redisClient
	}

	var (
		retriever *rag.Retriever
		processor *ingestion.Processor
	)
	if cfg.RAG.Enabled {
		retriever, err = newRetriever(ctx, cfg, redisClient)
		if err != nil {
			appLogger.Warn("Retrieval disabled", zap.Error(err))
		} else {
			engineCfg.Retriever = retriever
			processor = ingestion.NewProcessor(registry, retriever)
			bootstrapDocuments(ctx, processor, cfg.Catalog.DictionaryPath)
		}
	}

	queryEngine := query.NewEngine(registry, llmClient, sqliteClient, calculator, engineCfg)
	evaluator := evaluation.NewEvaluator(registry, llmClient, sqliteClient)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RequestsPerMinute,
		Cost:                 ratelimit.ModelCost(3, "/api/v1/query", "/api/v1/classify", "/api/v1/reclassify", "/api/v1/evaluate"),
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.Named("validation"),
	}))

	var (
		contextSource handlers.ContextRetriever
		cache         handlers.CacheInvalidator
	)
	if retriever != nil {
		contextSource = retriever
	}
	if redisClient != nil {
		cache = redisClient
	}

	queryHandler := handlers.NewQueryHandler(queryEngine, sqliteClient)
	classifyHandler := handlers.NewClassifyHandler(registry, llmClient, contextSource)
	parseHandler := handlers.NewParseHandler(llmClient.Today)
	sizingHandler := handlers.NewSizingHandler(calculator)
	evaluationHandler := handlers.NewEvaluationHandler(registry, evaluator)
	statusHandler := handlers.NewStatusHandler(llmGate, llmClient)
	wsHandler := handlers.NewWebSocketHandler(queryEngine)

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)

	api.Post("/classify", classifyHandler.Classify)
	api.Post("/reclassify", classifyHandler.Reclassify)
	api.Post("/context", classifyHandler.RetrieveContext)
	api.Post("/parse", parseHandler.Parse)

	api.Get("/sizing/percentiles", sizingHandler.GetPercentiles)
	api.Get("/sizing/category", sizingHandler.GetCategory)

	if processor != nil {
		documentHandler := handlers.NewDocumentHandler(processor, cache)
		api.Post("/documents/sync", documentHandler.SyncDocuments)
		api.Post("/documents/dictionary", documentHandler.UploadDataDictionary)
	}

	api.Post("/evaluate", evaluationHandler.RunEvaluation)
	api.Get("/status", statusHandler.GetStatus)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		pingCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		if err := sqliteClient.Ping(pingCtx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  "database unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status":    "ready",
			"retrieval": retriever != nil,
			"cache":     redisClient != nil,
		})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/query", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func loadCatalog(path string) (*catalog.Registry, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newRetriever(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*rag.Retriever, error) {
	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		APIKey:     cfg.LLM.PrimaryAPIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.EmbeddingModel,
		Dimensions: cfg.LLM.EmbeddingDim,
		Timeout:    time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var emb rag.Embedder = embedder
	if redisClient != nil {
		emb = rag.NewCachingEmbedder(embedder, redisClient, cfg.Redis.EmbeddingTTL())
	}

	index, err := milvus.NewClient(ctx, milvus.Config{
		Endpoint:       cfg.Milvus.Endpoint,
		APIKey:         cfg.Milvus.APIKey,
		CollectionName: cfg.Milvus.CollectionName,
		VectorDim:      cfg.Milvus.VectorDim,
	})
	if err != nil {
		return nil, err
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return nil, errors.Join(err, index.Close())
	}

	return rag.NewRetriever(emb, index, rag.Config{
		TopK:      cfg.RAG.TopK,
		BatchSize: cfg.Milvus.BatchSize,
	})
}

// bootstrapDocuments indexes the catalog and, when configured, the data
// dictionary. Failures leave retrieval degraded but the server still starts.
func bootstrapDocuments(ctx context.Context, processor *ingestion.Processor, dictionaryPath string) {
	if _, err := processor.SyncCatalog(ctx, false); err != nil {
		appLogger.Warn("Failed to sync catalog documents", zap.Error(err))
	}

	if dictionaryPath == "" {
		return
	}
	html, err := os.ReadFile(dictionaryPath)
	if err != nil {
		appLogger.Warn("Failed to read data dictionary", zap.String("path", dictionaryPath), zap.Error(err))
		return
	}
	if _, err := processor.IngestDataDictionary(ctx, dictionaryPath, string(html)); err != nil {
		appLogger.Warn("Failed to ingest data dictionary", zap.String("path", dictionaryPath), zap.Error(err))
	}
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}
