package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port      string
	PublicURL string
	LogLevel  string
	LogFormat string
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

type PaymentConfig struct {
	BaseURL   string
	SecretKey string
	Currency  string
	Title     string
	Timeout   time.Duration
}

type CacheConfig struct {
	RedisAddr string
	TTL       time.Duration
}

type SweepConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	Batch       int
}

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Payment  PaymentConfig
	Cache    CacheConfig
	Sweep    SweepConfig
}

// NewConfig reads an optional .env file from the working directory and then
// the process environment.
func NewConfig() (*Config, error) {
	return Load(".env")
}

func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	r := &reader{}
	cfg := &Config{}

	cfg.App.Port = r.str("APP_PORT", "8080")
	cfg.App.PublicURL = strings.TrimRight(r.required("PUBLIC_URL"), "/")
	cfg.App.LogLevel = r.str("LOG_LEVEL", "info")
	cfg.App.LogFormat = r.str("LOG_FORMAT", "console")

	cfg.Postgres.Host = r.required("DB_HOST")
	cfg.Postgres.Port = r.required("DB_PORT")
	cfg.Postgres.User = r.required("DB_USER")
	cfg.Postgres.Password = r.required("DB_PASSWORD")
	cfg.Postgres.DBName = r.required("DB_NAME")
	cfg.Postgres.SSLMode = r.str("DB_SSLMODE", "disable")
	cfg.Postgres.MaxConns = int32(r.integer("DB_MAX_CONNS", 10))
	cfg.Postgres.MinConns = int32(r.integer("DB_MIN_CONNS", 2))
	cfg.Postgres.MaxConnLifetime = r.duration("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	cfg.Postgres.MigrationsPath = r.str("MIGRATIONS_PATH", "./migrations")

	cfg.Payment.BaseURL = strings.TrimRight(r.str("CHAPA_BASE_URL", "https://api.chapa.co/v1"), "/")
	cfg.Payment.SecretKey = r.required("CHAPA_SECRET_KEY")
	cfg.Payment.Currency = r.str("PAYMENT_CURRENCY", "ETB")
	cfg.Payment.Title = r.str("PAYMENT_TITLE", "")
	cfg.Payment.Timeout = r.duration("PAYMENT_TIMEOUT", 15*time.Second)

	cfg.Cache.RedisAddr = r.str("REDIS_ADDR", "")
	cfg.Cache.TTL = r.duration("CATALOG_CACHE_TTL", 10*time.Minute)

	cfg.Sweep.Interval = r.duration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.Sweep.StaleAfter = r.duration("SWEEP_STALE_AFTER", 15*time.Minute)
	cfg.Sweep.ExpireAfter = r.duration("SWEEP_EXPIRE_AFTER", 24*time.Hour)
	cfg.Sweep.Batch = r.integer("SWEEP_BATCH", 50)

	if err := r.err(); err != nil {
		return nil, err
	}

	if cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
	}
	if cfg.Sweep.Interval > 0 && cfg.Sweep.ExpireAfter < cfg.Sweep.StaleAfter {
		return nil, errors.New("SWEEP_EXPIRE_AFTER must not be shorter than SWEEP_STALE_AFTER")
	}

	return cfg, nil
}

// reader collects every problem instead of stopping at the first one.
type reader struct {
	missing []string
	invalid []string
}

func (r *reader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := os.Getenv(key)
	if v == "" {
		r.missing = append(r.missing, key)
	}
	return v
}

func (r *reader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return d
}

func (r *reader) err() error {
	var parts []string
	if len(r.missing) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(r.missing, ", "))
	}
	if len(r.invalid) > 0 {
		parts = append(parts, "invalid values: "+strings.Join(r.invalid, ", "))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(parts, "; "))
}
