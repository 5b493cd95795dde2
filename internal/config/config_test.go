package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PUBLIC_URL", "https://shop.example.com/")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "123456")
	t.Setenv("DB_NAME", "storefront")
	t.Setenv("CHAPA_SECRET_KEY", "CHASECK_TEST-abc")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "https://shop.example.com", cfg.App.PublicURL, "trailing slash should be trimmed")
	assert.Equal(t, "disable", cfg.Postgres.SSLMode)
	assert.Equal(t, int32(10), cfg.Postgres.MaxConns)
	assert.Equal(t, int32(2), cfg.Postgres.MinConns)
	assert.Equal(t, 30*time.Minute, cfg.Postgres.MaxConnLifetime)
	assert.Equal(t, "https://api.chapa.co/v1", cfg.Payment.BaseURL)
	assert.Equal(t, "ETB", cfg.Payment.Currency)
	assert.Equal(t, 15*time.Second, cfg.Payment.Timeout)
	assert.Empty(t, cfg.Cache.RedisAddr)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.ExpireAfter)
	assert.Equal(t, 50, cfg.Sweep.Batch)
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"PUBLIC_URL", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "CHAPA_SECRET_KEY"} {
		t.Setenv(key, "")
	}

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST")
	assert.Contains(t, err.Error(), "CHAPA_SECRET_KEY")
	assert.Contains(t, err.Error(), "PUBLIC_URL")
}

func TestLoad_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_MAX_CONNS", "many")
	t.Setenv("SWEEP_INTERVAL", "soon")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `DB_MAX_CONNS="many"`)
	assert.Contains(t, err.Error(), `SWEEP_INTERVAL="soon"`)
}

func TestLoad_PoolBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_MAX_CONNS", "2")
	t.Setenv("DB_MIN_CONNS", "5")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MIN_CONNS")
}

func TestLoad_DotEnvFile(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ADDR", "")
	os.Unsetenv("REDIS_ADDR")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_ADDR=localhost:6379\nPAYMENT_CURRENCY=USD\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PAYMENT_CURRENCY")
		os.Unsetenv("REDIS_ADDR")
	})

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "USD", cfg.Payment.Currency)
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	setRequired(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}
