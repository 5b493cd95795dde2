package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/checkout"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
	"github.com/vasiliy-maslov/storefront/internal/handler"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/payment"
	"github.com/vasiliy-maslov/storefront/internal/transport"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Msg("Storefront starting...")

	if err := db.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	m := metrics.New()

	var reader catalog.Reader = catalog.NewReader(pg.Pool)
	var cache *redis.Client
	if cfg.Cache.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := cache.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("Redis unreachable at startup, catalog cache will keep retrying")
		}
		reader = catalog.NewCachedReader(reader, cache, cfg.Cache.TTL)
		log.Info().Str("addr", cfg.Cache.RedisAddr).Dur("ttl", cfg.Cache.TTL).Msg("Catalog cache enabled")
	}

	orders := order.NewRepository(pg.Pool)
	gateway := payment.NewClient(cfg.Payment, m)
	checkoutSvc := checkout.NewService(orders, reader, gateway, m, checkout.Options{
		PublicURL:     cfg.App.PublicURL,
		Currency:      cfg.Payment.Currency,
		CheckoutTitle: cfg.Payment.Title,
		SettleTimeout: 2 * cfg.Payment.Timeout,
	})

	router := transport.NewRouter(transport.Dependencies{
		Metrics:  m,
		Sessions: auth.NewSessionStore(pg.Pool),
		Database: pg.Pool,
		Handlers: []transport.RouteRegistrar{
			handler.NewCatalogHandler(reader),
			handler.NewOrderHandler(order.NewService(orders)),
			handler.NewPaymentHandler(checkoutSvc),
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		checkout.NewSweeper(checkoutSvc, cfg.Sweep).Run(ctx)
	}()

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	wg.Wait()

	if cache != nil {
		if err := cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	pg.Close()

	log.Info().Msg("Storefront stopped")
}

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "storefront").Logger()
}
