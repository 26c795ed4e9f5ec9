package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"voxbooks/internal/config"
	"voxbooks/internal/ingest"
	"voxbooks/internal/util"
	"voxbooks/pkg/ai"
	"voxbooks/pkg/queue"
	"voxbooks/pkg/storage"
	"voxbooks/pkg/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateIndexer(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}

	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		util.Fatal("failed to init embedder", "err", err)
	}

	worker, err := ingest.NewWorker(ingest.Config{
		Store:            dataStore,
		Objects:          objects,
		Embedder:         embedder,
		ChunkSize:        cfg.ChunkSize,
		ChunkOverlap:     cfg.ChunkOverlap,
		EmbedBatchSize:   cfg.EmbedBatchSize,
		EmbedConcurrency: cfg.EmbedConcurrency,
	})
	if err != nil {
		util.Fatal("failed to init ingestion worker", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	stream := cfg.QueueStream
	if stream == "" {
		stream = "voxbooks:ingest"
	}
	jobQueue, err := queue.New(redisClient, queue.Config{
		Stream:      stream,
		Group:       cfg.QueueGroup,
		MaxAttempts: cfg.QueueMaxAttempts,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("indexer consuming", "stream", stream, "concurrency", cfg.QueueConcurrency)
	jobQueue.Run(ctx, cfg.QueueConcurrency, worker.Handle)
	slog.Info("indexer stopped")
}

func buildEmbedder(cfg config.FileConfig) (ai.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "", "ollama":
		client := ai.NewOllamaClient(cfg.EmbeddingBaseURL, time.Minute)
		return ai.NewOllamaEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "gemini":
		return ai.NewGeminiEmbedder(cfg.GeminiAPIKey, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
