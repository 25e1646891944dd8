package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	GinMode     string
	CORSOrigins []string
	MaxFileSize int64
	UploadDir   string

	// Redaction
	ChunkSize     int
	ChunkStrategy string // "fixed" (default) or "boundary"
	Placeholder   string

	// PII detection service
	DetectorProvider string // "ner", "gemini", "regex"
	NERServiceURL    string
	GeminiAPIKey     string
	GeminiModel      string

	// Document analysis service
	ExtractorProvider  string // "service" or "local"
	AnalysisServiceURL string
	AnalysisTimeout    int

	// Archival
	ArchiveBackend string // "gridfs" or "filesystem"
	ArchiveDir     string
	ArchiveBucket  string

	// MongoDB
	MongoURI string
	DBName   string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// External call hardening
	ExternalRPS         float64
	ExternalBurst       int
	ExternalMaxAttempts int

	RateLimitReqs   int
	RateLimitWindow int

	// Telemetry
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64

	// Jobs
	JobStaleAfter int // minutes
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", 52428800), // 50MB
		UploadDir:   getEnv("UPLOAD_DIR", "uploads/"),

		ChunkSize:     getEnvInt("CHUNK_SIZE", 5000),
		ChunkStrategy: getEnv("CHUNK_STRATEGY", "fixed"),
		Placeholder:   getEnv("REDACTION_PLACEHOLDER", "[REDACTED]"),

		DetectorProvider: getEnv("DETECTOR_PROVIDER", "ner"),
		NERServiceURL:    getEnv("NER_SERVICE_URL", "http://localhost:8001"),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		ExtractorProvider:  getEnv("EXTRACTOR_PROVIDER", "service"),
		AnalysisServiceURL: getEnv("ANALYSIS_SERVICE_URL", "http://localhost:8002"),
		AnalysisTimeout:    getEnvInt("ANALYSIS_TIMEOUT", 300), // 5 minutes

		ArchiveBackend: getEnv("ARCHIVE_BACKEND", "filesystem"),
		ArchiveDir:     getEnv("ARCHIVE_DIR", "./archive"),
		ArchiveBucket:  getEnv("ARCHIVE_BUCKET", "redactedfiles"),

		MongoURI: getEnv("MONGO_URI", ""),
		DBName:   getEnv("DB_NAME", "pii_redactor"),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ExternalRPS:         getEnvFloat64("EXTERNAL_RPS", 10),
		ExternalBurst:       getEnvInt("EXTERNAL_BURST", 5),
		ExternalMaxAttempts: getEnvInt("EXTERNAL_MAX_ATTEMPTS", 3),

		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRatio: getEnvFloat64("OTEL_SAMPLE_RATIO", 0.1),

		JobStaleAfter: getEnvInt("JOB_STALE_AFTER", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks provider choices and the settings they depend on
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.Placeholder == "" {
		return fmt.Errorf("REDACTION_PLACEHOLDER must not be empty")
	}

	switch c.ChunkStrategy {
	case "fixed", "boundary":
	default:
		return fmt.Errorf("unknown CHUNK_STRATEGY %q", c.ChunkStrategy)
	}

	switch c.DetectorProvider {
	case "ner":
		if c.NERServiceURL == "" {
			return fmt.Errorf("NER_SERVICE_URL is required for the ner detector")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini detector - set it in .env file")
		}
	case "regex":
	default:
		return fmt.Errorf("unknown DETECTOR_PROVIDER %q", c.DetectorProvider)
	}

	switch c.ExtractorProvider {
	case "service":
		if c.AnalysisServiceURL == "" {
			return fmt.Errorf("ANALYSIS_SERVICE_URL is required for the service extractor")
		}
	case "local":
	default:
		return fmt.Errorf("unknown EXTRACTOR_PROVIDER %q", c.ExtractorProvider)
	}

	switch c.ArchiveBackend {
	case "gridfs":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the gridfs archive")
		}
	case "filesystem":
		if c.ArchiveDir == "" {
			return fmt.Errorf("ARCHIVE_DIR is required for the filesystem archive")
		}
	default:
		return fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.ArchiveBackend)
	}

	if c.ExternalMaxAttempts < 1 {
		c.ExternalMaxAttempts = 1
	}

	return nil
}

// AsyncEnabled reports whether the queue-backed upload path can be served
func (c *Config) AsyncEnabled() bool {
	return c.RedisURL != "" && c.MongoURI != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
