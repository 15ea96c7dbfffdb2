package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Tokens.RenderAttempts)
	assert.Equal(t, "INR", cfg.Payment.Currency)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FULFILL_DATABASE_DRIVER", "postgres")
	t.Setenv("FULFILL_DATABASE_DSN", "postgres://u:p@db:5432/shop")
	t.Setenv("FULFILL_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FULFILL_RATE_LIMIT_WINDOW", "5s")
	t.Setenv("FULFILL_TOKENS_MINT_CONCURRENCY", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/shop", cfg.Database.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 8, cfg.Tokens.MintConcurrency)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("http:\n  addr: \":9090\"\ntokens:\n  backend: s3\n  bucket: labels\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "s3", cfg.Tokens.Backend)
	assert.Equal(t, "labels", cfg.Tokens.Bucket)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"FULFILL_DATABASE_DRIVER":  "mysql",
		"FULFILL_RATE_LIMIT_LIMIT": "0",
		"FULFILL_TOKENS_BACKEND":   "ftp",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			require.Error(t, err)
		})
	}
}
