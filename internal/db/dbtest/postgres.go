// Package dbtest starts a throwaway PostgreSQL for integration tests and
// applies the service migrations to it.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
)

type Database struct {
	Pool      *pgxpool.Pool
	Config    config.PostgresConfig
	pg        *db.Postgres
	container *postgres.PostgresContainer
}

func migrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	// internal/db/dbtest -> repo root
	return filepath.Join(filepath.Dir(filename), "..", "..", "..", "migrations")
}

// Start returns an error instead of panicking when no container runtime is
// available, so callers can skip.
func Start(ctx context.Context) (d *Database, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dbtest: container runtime unavailable: %v", p)
		}
	}()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storefront_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dbtest: failed to start postgres: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("dbtest: failed to get host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("dbtest: failed to get port: %w", err)
	}

	cfg := config.PostgresConfig{
		Host:            host,
		Port:            port.Port(),
		User:            "testuser",
		Password:        "testpass",
		DBName:          "storefront_test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MigrationsPath:  migrationsPath(),
	}

	if err := db.ApplyMigrations(cfg); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	pg, err := db.New(ctx, cfg)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Database{Pool: pg.Pool, Config: cfg, pg: pg, container: container}, nil
}

func (d *Database) Close(ctx context.Context) {
	d.pg.Close()
	_ = d.container.Terminate(ctx)
}

// Reset empties every table the service touches.
func (d *Database) Reset(tb testing.TB) {
	tb.Helper()
	_, err := d.Pool.Exec(context.Background(),
		`TRUNCATE TABLE order_items, orders, product_variant, product, category, "session", "user" CASCADE`)
	require.NoError(tb, err, "failed to truncate tables")
}

func (d *Database) Exec(tb testing.TB, sql string, args ...any) {
	tb.Helper()
	_, err := d.Pool.Exec(context.Background(), sql, args...)
	require.NoError(tb, err)
}

func (d *Database) InsertUser(tb testing.TB, id, name, email string) {
	tb.Helper()
	d.Exec(tb, `INSERT INTO "user" (id, name, email) VALUES ($1, $2, $3)`, id, name, email)
}

func (d *Database) InsertCategory(tb testing.TB, id, name, slug string) {
	tb.Helper()
	d.Exec(tb, `INSERT INTO category (id, name, slug, description) VALUES ($1, $2, $3, $4)`, id, name, slug, name+" description")
}

func (d *Database) InsertProduct(tb testing.TB, id, categoryID, name, price, productType string) {
	tb.Helper()
	d.Exec(tb, `
		INSERT INTO product (id, name, description, price, category_id, features, specs, type)
		VALUES ($1, $2, $3, $4::numeric, $5, '["Signed"]'::jsonb, '{"Format":"A3"}'::jsonb, $6)`,
		id, name, name+" description", price, categoryID, productType)
}

func (d *Database) InsertVariant(tb testing.TB, id, productID, name string, stock int) {
	tb.Helper()
	d.Exec(tb, `INSERT INTO product_variant (id, product_id, name, options, stock, sku) VALUES ($1, $2, $3, '{}'::jsonb, $4, $5)`,
		id, productID, name, stock, "SKU-"+id)
}
