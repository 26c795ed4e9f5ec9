// Package config loads service configuration from YAML with environment
// overrides for secrets and deploy-time endpoints.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where binaries look for config when no path is given.
const DefaultPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. The chat server and
// the indexer worker share one file; each validates only the fields it needs.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	QueueStream      string `yaml:"queueStream"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxAttempts int    `yaml:"queueMaxAttempts"`

	EmbeddingProvider string `yaml:"embeddingProvider"`
	EmbeddingBaseURL  string `yaml:"embeddingBaseURL"`
	EmbeddingModel    string `yaml:"embeddingModel"`
	EmbeddingDim      int    `yaml:"embeddingDim"`

	GenerationProvider string `yaml:"generationProvider"`
	GenerationModel    string `yaml:"generationModel"`
	GeminiAPIKey       string `yaml:"geminiAPIKey"`

	ElevenLabsAPIKey  string `yaml:"elevenLabsAPIKey"`
	ElevenLabsBaseURL string `yaml:"elevenLabsBaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PublicBaseURL  string `yaml:"publicBaseURL"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	TopK int `yaml:"topK"`

	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`

	ChunkSize        int `yaml:"chunkSize"`
	ChunkOverlap     int `yaml:"chunkOverlap"`
	EmbedBatchSize   int `yaml:"embedBatchSize"`
	EmbedConcurrency int `yaml:"embedConcurrency"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.ElevenLabsAPIKey = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
}

// ValidateChat checks the fields the chat server needs.
func (cfg FileConfig) ValidateChat() error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if err := cfg.validateEmbedding(); err != nil {
		return err
	}
	return nil
}

// ValidateIndexer checks the fields the ingestion worker needs.
func (cfg FileConfig) ValidateIndexer() error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if err := cfg.validateEmbedding(); err != nil {
		return err
	}
	return nil
}

func (cfg FileConfig) validateEmbedding() error {
	if cfg.EmbeddingModel == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml)")
	}
	switch cfg.EmbeddingProvider {
	case "", "ollama":
		if cfg.EmbeddingBaseURL == "" {
			return errors.New("config: embeddingBaseURL is required for ollama (set in config.yaml)")
		}
		if cfg.EmbeddingDim <= 0 {
			return errors.New("config: embeddingDim is required for ollama (set in config.yaml)")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required for gemini (set in config.yaml or GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown embeddingProvider %q", cfg.EmbeddingProvider)
	}
	return nil
}
