package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/cache"
	"github.com/brikpay/refund-params/internal/config"
	"github.com/brikpay/refund-params/internal/database"
	"github.com/brikpay/refund-params/internal/handler"
	"github.com/brikpay/refund-params/internal/memstore"
	"github.com/brikpay/refund-params/internal/middleware"
	"github.com/brikpay/refund-params/internal/notifier"
	"github.com/brikpay/refund-params/internal/repository"
	"github.com/brikpay/refund-params/internal/service"
	"github.com/brikpay/refund-params/internal/validation"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	gin.SetMode(cfg.GinMode)

	catalog, err := database.LoadCatalog(cfg.DefinitionsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load definition catalog")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		store     service.Store
		hierarchy service.HierarchyProvider
		lister    cache.DescendantLister
		pinger    handler.Pinger
	)
	seed := cfg.AutoMigrate

	switch cfg.StoreBackend {
	case config.BackendMemory:
		h := memstore.NewHierarchy()
		catalog.ApplyHierarchy(h)
		store, hierarchy, lister = memstore.NewStore(), h, h
		seed = true
	default:
		pool, err := database.NewPool(ctx, cfg.DatabaseURL())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := database.RunMigrations(cfg.DatabaseURL()); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
			if err := database.SeedHierarchy(ctx, pool, catalog); err != nil {
				log.Fatal().Err(err).Msg("failed to seed hierarchy")
			}
		}

		h := repository.NewHierarchyRepository(pool)
		store, hierarchy, lister, pinger = repository.NewParameterRepository(pool), h, h, pool
	}

	rc := cache.NewTTLCache(cfg.CacheTTL, cfg.CacheCapacity, cache.WithDescendantLister(lister))
	defer rc.Close()

	bus := notifier.NewBus(5 * time.Second)
	bus.Subscribe("audit-log", cfg.NotifierBuffer, notifier.LogSink)
	var kafkaSink *notifier.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = notifier.NewKafkaSink(notifier.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		bus.Subscribe("kafka", cfg.NotifierBuffer, kafkaSink.Handle)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing parameter events to kafka")
	}

	validator, err := validation.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create validator")
	}

	svc := service.NewParameterService(store, hierarchy, rc, validator, bus,
		service.WithWriteRetries(cfg.WriteRetries),
		service.WithResolveConcurrency(cfg.ResolveConcurrency),
	)

	if seed {
		if err := database.SeedDefinitions(ctx, catalog, cfg.ResolveConcurrency, svc.UpsertParameterDefinition); err != nil {
			log.Fatal().Err(err).Msg("failed to seed parameter definitions")
		}
	}
	defs, err := svc.GetAllParameterDefinitions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load parameter definitions")
	}
	log.Info().Str("backend", cfg.StoreBackend).Int("definitions", len(defs)).Msg("parameter service ready")

	router := gin.New()
	router.Use(middleware.Logger("/health"))
	router.Use(gin.Recovery())

	healthHandler := handler.NewHealthHandler(cfg.StoreBackend, pinger, rc)
	router.GET("/health", healthHandler.Health)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	svc.Close()
	bus.Close()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka writer")
		}
	}

	log.Info().Msg("server exited")
}
