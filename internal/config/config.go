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

// Storage backends understood by storage.NewStore
const (
	StorageFile     = "file"
	StoragePostgres = "postgresql"
	StorageMongoDB  = "mongodb"
	StorageDynamoDB = "dynamodb"
	StorageRedis    = "redis"
)

// Config holds all configuration for the application
type Config struct {
	Storage   StorageConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Server    ServerConfig
	Telemetry TelemetryConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type        string // "file", "postgresql", "mongodb", "dynamodb", "redis"
	FilePath    string // Empty keeps the file store in memory only
	Region      string // For AWS DynamoDB
	TableName   string
	Endpoint    string // Custom endpoint for local testing
	MongoDBURI  string
	MongoDBName string
	PostgresURI string
	RedisAddr   string
	RedisPrefix string
}

// RemoteConfig holds configuration for the remote feed source
type RemoteConfig struct {
	BaseURL     string
	AuthorsPath string
	PostsPath   string
	Timeout     time.Duration
}

// SyncConfig holds background synchronization configuration
type SyncConfig struct {
	Interval      time.Duration // Zero disables the background loop
	StatusTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// TelemetryConfig holds logging and tracing configuration
type TelemetryConfig struct {
	Env          string // "local" or "prod"
	OtelEndpoint string // Empty disables trace export
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory is read first if present; variables
// already set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", StorageFile),
			FilePath:    getEnv("CACHE_FILE", "data/feed_cache.json"),
			Region:      getEnv("AWS_REGION", "us-west-2"),
			TableName:   getEnv("TABLE_NAME", "feed_cache"),
			Endpoint:    getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			MongoDBURI:  getEnv("MONGODB_URI", ""),
			MongoDBName: getEnv("MONGODB_DATABASE", "feed_cache"),
			PostgresURI: getEnv("POSTGRES_URI", ""),
			RedisAddr:   getEnv("REDIS_ADDR", ""),
			RedisPrefix: getEnv("REDIS_PREFIX", "feed"),
		},
		Remote: RemoteConfig{
			BaseURL:     getEnv("REMOTE_BASE_URL", "https://jsonplaceholder.typicode.com"),
			AuthorsPath: getEnv("REMOTE_AUTHORS_PATH", "/users"),
			PostsPath:   getEnv("REMOTE_POSTS_PATH", "/posts"),
			Timeout:     getEnvDuration("REMOTE_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			Interval:      getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
			StatusTimeout: getEnvDuration("SYNC_STATUS_TIMEOUT", 5*time.Second),
		},
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Telemetry: TelemetryConfig{
			Env:          getEnv("APP_ENV", "local"),
			OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected storage backend is fully configured
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageFile:
	case StoragePostgres:
		if c.Storage.PostgresURI == "" {
			return errors.New("POSTGRES_URI is required for postgresql storage")
		}
	case StorageMongoDB:
		if c.Storage.MongoDBURI == "" {
			return errors.New("MONGODB_URI is required for mongodb storage")
		}
	case StorageDynamoDB:
		if c.Storage.TableName == "" {
			return errors.New("TABLE_NAME is required for dynamodb storage")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Remote.BaseURL == "" {
		return errors.New("REMOTE_BASE_URL must not be empty")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative, got %s", c.Sync.Interval)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
