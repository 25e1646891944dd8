package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DETECTOR_PROVIDER", "regex")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.ChunkSize)
	assert.Equal(t, "fixed", cfg.ChunkStrategy)
	assert.Equal(t, "[REDACTED]", cfg.Placeholder)
	assert.Equal(t, "uploads/", cfg.UploadDir)
	assert.Equal(t, "redactedfiles", cfg.ArchiveBucket)
	assert.Equal(t, 3, cfg.ExternalMaxAttempts)
	assert.False(t, cfg.AsyncEnabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DETECTOR_PROVIDER", "regex")
	t.Setenv("CHUNK_SIZE", "120")
	t.Setenv("CHUNK_STRATEGY", "boundary")
	t.Setenv("REDIS_URL", "localhost:6379")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.ChunkSize)
	assert.Equal(t, "boundary", cfg.ChunkStrategy)
	assert.True(t, cfg.AsyncEnabled())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ChunkSize:           5000,
			ChunkStrategy:       "fixed",
			Placeholder:         "[REDACTED]",
			DetectorProvider:    "regex",
			ExtractorProvider:   "local",
			ArchiveBackend:      "filesystem",
			ArchiveDir:          "archive",
			ExternalMaxAttempts: 0,
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.ExternalMaxAttempts, "attempts are clamped to at least one")

	cases := map[string]func(c *Config){
		"zero chunk size":      func(c *Config) { c.ChunkSize = 0 },
		"empty placeholder":    func(c *Config) { c.Placeholder = "" },
		"unknown strategy":     func(c *Config) { c.ChunkStrategy = "semantic" },
		"gemini without key":   func(c *Config) { c.DetectorProvider = "gemini" },
		"unknown detector":     func(c *Config) { c.DetectorProvider = "spacy" },
		"gridfs without mongo": func(c *Config) { c.ArchiveBackend = "gridfs" },
		"unknown archive":      func(c *Config) { c.ArchiveBackend = "s3" },
		"unknown extractor":    func(c *Config) { c.ExtractorProvider = "tesseract" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opt, err := RedisOptions(&Config{RedisURL: "localhost:6380", RedisPassword: "pw", RedisDB: 2})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)

	opt, err = RedisOptions(&Config{RedisURL: "redis://:secret@cache.internal:6379/3"})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 3, opt.DB)
}
