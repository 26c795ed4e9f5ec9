package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"voxbooks/internal/app"
	"voxbooks/internal/compose"
	"voxbooks/internal/config"
	"voxbooks/internal/ratelimit"
	"voxbooks/internal/server"
	"voxbooks/internal/usertoken"
	"voxbooks/internal/util"
	"voxbooks/pkg/ai"
	"voxbooks/pkg/storage"
	"voxbooks/pkg/store"
	"voxbooks/pkg/voice"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateChat(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		util.Fatal("failed to init embedder", "err", err)
	}

	var composer compose.Composer
	if cfg.GenerationProvider == "gemini" && cfg.GenerationModel != "" {
		gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
		if err != nil {
			util.Fatal("failed to init gemini client", "err", err)
		}
		composer = compose.NewGroundedComposer(gemini, "")
	}

	var synthesizer voice.Synthesizer
	if cfg.ElevenLabsAPIKey != "" {
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
		options := []voice.ElevenLabsOption{}
		if cfg.ElevenLabsBaseURL != "" {
			options = append(options, voice.WithBaseURL(cfg.ElevenLabsBaseURL))
		}
		generator, err := voice.NewElevenLabsClient(cfg.ElevenLabsAPIKey, options...)
		if err != nil {
			util.Fatal("failed to init elevenlabs client", "err", err)
		}
		synthesizer = voice.NewStoredSynthesizer(generator, objects)
	} else {
		slog.Warn("no elevenlabs api key configured, responses will be text-only")
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.RateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:       dataStore,
		Embedder:    embedder,
		Composer:    composer,
		Synthesizer: synthesizer,
		TopK:        cfg.TopK,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildEmbedder(cfg config.FileConfig) (ai.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "", "ollama":
		client := ai.NewOllamaClient(cfg.EmbeddingBaseURL, 30*time.Second)
		return ai.NewOllamaEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "gemini":
		return ai.NewGeminiEmbedder(cfg.GeminiAPIKey, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
