package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBURL      string // overrides the parts above when set
	DBLogSQL   bool

	// Provider. An empty key disables summaries, embeddings and chat.
	MistralAPIKey     string
	MistralBaseURL    string
	MistralEmbedModel string
	MistralChatModel  string
	MistralTimeout    time.Duration
	MistralRateLimit  float64 // requests per second, 0 = unlimited

	VectorBackend string
	QdrantHost    string
	QdrantPort    int
	QdrantAPIKey  string
	QdrantUseTLS  bool

	// Ingestion
	DataDir       string
	IngestWorkers int

	ServerPort  string
	ServerHost  string
	SiteBaseURL string

	SupabaseURL     string
	SupabaseAnonKey string

	// Observability
	JaegerEndpoint string
	LogLevel       string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "bilbo"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBURL:      getEnv("DATABASE_URL", ""),
		DBLogSQL:   getEnvBool("DB_LOG_SQL", false),

		MistralAPIKey:     getEnv("MISTRAL_API_KEY", ""),
		MistralBaseURL:    getEnv("MISTRAL_BASE_URL", "https://api.mistral.ai/v1"),
		MistralEmbedModel: getEnv("MISTRAL_EMBED_MODEL", "mistral-embed"),
		MistralChatModel:  getEnv("MISTRAL_CHAT_MODEL", "mistral-small-latest"),
		MistralTimeout:    time.Duration(getEnvInt("MISTRAL_TIMEOUT_SECONDS", 60)) * time.Second,
		MistralRateLimit:  getEnvFloat("MISTRAL_RATE_LIMIT", 0),

		VectorBackend: strings.ToLower(getEnv("VECTOR_BACKEND", BackendQdrant)),
		QdrantHost:    getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:    getEnvInt("QDRANT_PORT", 6334),
		QdrantAPIKey:  getEnv("QDRANT_API_KEY", ""),
		QdrantUseTLS:  getEnvBool("QDRANT_USE_TLS", false),

		DataDir:       getEnv("DATA_DIR", "data"),
		IngestWorkers: getEnvInt("INGEST_WORKERS", 1),

		ServerPort:  getEnv("SERVER_PORT", "8080"),
		ServerHost:  getEnv("SERVER_HOST", "localhost"),
		SiteBaseURL: getEnv("SITE_BASE_URL", "https://bilbo.example.com"),

		SupabaseURL:     getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey: getEnv("SUPABASE_ANON_KEY", ""),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.VectorBackend {
	case BackendQdrant, BackendPgvector:
	default:
		return fmt.Errorf("VECTOR_BACKEND must be %q or %q, got %q", BackendQdrant, BackendPgvector, c.VectorBackend)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.IngestWorkers)
	}
	if c.MistralTimeout <= 0 {
		return fmt.Errorf("MISTRAL_TIMEOUT_SECONDS must be positive")
	}
	if c.MistralRateLimit < 0 {
		return fmt.Errorf("MISTRAL_RATE_LIMIT must not be negative")
	}
	return nil
}

// HasProvider reports whether a provider key is configured
func (c *Config) HasProvider() bool {
	return c.MistralAPIKey != ""
}

func (c *Config) DatabaseURL() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
