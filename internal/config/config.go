// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Storage    StorageConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Ingestion  IngestionConfig
	Retrieval  RetrievalConfig
	Session    SessionConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver       string // postgres, sqlite or memory
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	Dimension    int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL time.Duration
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	JetStream     bool // persist progress events in a stream
}

// StorageConfig holds object storage configuration for original uploads.
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider        string // openai, onnx or hash
	Model           string
	APIKey          string
	BaseURL         string
	Dimension       int
	RateLimit       int // requests per second, openai only
	ONNXModelPath   string
	ONNXVocabPath   string
	ONNXLibraryPath string
}

// GenerationConfig holds answer generation settings.
type GenerationConfig struct {
	Provider    string // groq, openai, ollama or anthropic
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// Optional secondary backend tried when the primary is unavailable.
	FallbackProvider string
	FallbackAPIKey   string
	FallbackModel    string
}

// IngestionConfig bounds uploads and chunking.
type IngestionConfig struct {
	MaxFileSize int64
	ChunkSize   int
	BatchSize   int
}

// RetrievalConfig controls similarity search.
type RetrievalConfig struct {
	Threshold float64
	Limit     int
}

// SessionConfig controls tenant sessions.
type SessionConfig struct {
	TTL           time.Duration
	Header        string
	SweepInterval time.Duration
}

// RateLimitConfig holds per-minute request limits.
type RateLimitConfig struct {
	Enabled         bool
	ChatPerMinute   int
	UploadPerMinute int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnvAsInt("PORT", 8080),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "docqa"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:   getEnv("SQLITE_PATH", "docqa.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			Dimension:    getEnvAsInt("EMBEDDING_DIMENSION", 384),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			EmbeddingTTL: getEnvAsDuration("REDIS_EMBEDDING_TTL", 24*time.Hour),
		},
		NATS: NATSConfig{
			Enabled:       getEnvAsBool("NATS_ENABLED", false),
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "docqa.progress"),
			JetStream:     getEnvAsBool("NATS_JETSTREAM", false),
		},
		Storage: StorageConfig{
			Enabled:         getEnvAsBool("STORAGE_ENABLED", false),
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "docqa-uploads"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		Embedding: EmbeddingConfig{
			Provider:        getEnv("EMBEDDING_PROVIDER", "hash"),
			Model:           getEnv("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
			APIKey:          getEnv("EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", "")),
			BaseURL:         getEnv("EMBEDDING_BASE_URL", ""),
			Dimension:       getEnvAsInt("EMBEDDING_DIMENSION", 384),
			RateLimit:       getEnvAsInt("EMBEDDING_RATE_LIMIT", 10),
			ONNXModelPath:   getEnv("ONNX_MODEL_PATH", "models/all-MiniLM-L6-v2/model.onnx"),
			ONNXVocabPath:   getEnv("ONNX_VOCAB_PATH", "models/all-MiniLM-L6-v2/vocab.txt"),
			ONNXLibraryPath: getEnv("ONNX_LIBRARY_PATH", ""),
		},
		Generation: GenerationConfig{
			Provider:    getEnv("LLM_PROVIDER", "groq"),
			APIKey:      getEnv("LLM_API_KEY", getEnv("GROQ_API_KEY", "")),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Model:       getEnv("LLM_MODEL", "deepseek-r1-distill-llama-70b"),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.3),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 1000),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),

			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			FallbackAPIKey:   getEnv("LLM_FALLBACK_API_KEY", getEnv("ANTHROPIC_API_KEY", "")),
			FallbackModel:    getEnv("LLM_FALLBACK_MODEL", ""),
		},
		Ingestion: IngestionConfig{
			MaxFileSize: int64(getEnvAsInt("MAX_FILE_SIZE", 10*1024*1024)),
			ChunkSize:   getEnvAsInt("CHUNK_SIZE", 800),
			BatchSize:   getEnvAsInt("EMBEDDING_BATCH_SIZE", 5),
		},
		Retrieval: RetrievalConfig{
			Threshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.7),
			Limit:     getEnvAsInt("SEARCH_LIMIT", 5),
		},
		Session: SessionConfig{
			TTL:           getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			Header:        getEnv("SESSION_HEADER", "X-Session-ID"),
			SweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvAsBool("RATE_LIMIT_ENABLED", true),
			ChatPerMinute:   getEnvAsInt("RATE_LIMIT_CHAT", 20),
			UploadPerMinute: getEnvAsInt("RATE_LIMIT_UPLOAD", 10),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver))
	}

	switch c.Embedding.Provider {
	case "openai", "onnx", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSION must be positive"))
	}

	if c.Ingestion.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE must be positive"))
	}
	if c.Ingestion.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.Ingestion.BatchSize <= 0 {
		errs = append(errs, errors.New("EMBEDDING_BATCH_SIZE must be positive"))
	}

	if c.Retrieval.Threshold < -1 || c.Retrieval.Threshold > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD %.2f out of range [-1, 1]", c.Retrieval.Threshold))
	}
	if c.Retrieval.Limit <= 0 {
		errs = append(errs, errors.New("SEARCH_LIMIT must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}

	// Generation without a key is allowed; chat degrades to sources only.
	if c.Server.Environment == "production" && c.Embedding.Provider == "hash" {
		errs = append(errs, errors.New("EMBEDDING_PROVIDER=hash is not allowed in production"))
	}

	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port pair.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
