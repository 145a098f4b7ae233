package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fedipedia/api/internal/actor"
	"fedipedia/api/internal/app"
	"fedipedia/api/internal/authpw"
	"fedipedia/api/internal/config"
	"fedipedia/api/internal/federation"
	"fedipedia/api/internal/gitexport"
	"fedipedia/api/internal/metrics"
	"fedipedia/api/internal/replay"
	"fedipedia/api/internal/search"
	"fedipedia/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.ExportsDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create exports dir")
	}

	dataStore := store.NewPostgresStore(db)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	var guard replay.Guard
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisGuard, err := replay.NewRedisGuard(cfg.RedisURL, cfg.ReplayTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		guard = redisGuard
		log.Info().Msg("using Redis for activity replay protection")
	} else {
		guard = replay.NewMemoryGuard(cfg.ReplayTTL)
		log.Info().Msg("using in-memory activity replay protection")
	}
	defer guard.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, log)

	directory := actor.NewDirectory(dataStore, cfg.ActorRefreshInterval, log)
	client := federation.NewClient(dataStore, cfg.FetchTimeout, m, log)
	directory.SetFetcher(client)
	gateway := federation.NewGateway(dataStore, cfg.DeliveryTimeout, m, log)

	service := app.NewService(
		dataStore,
		cfg,
		gateway,
		client,
		directory,
		searchService,
		gitexport.New(cfg.ExportsDir, cfg.Domain),
		authpw.NewService(dataStore),
		m,
		log,
	)
	if err := service.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("instance bootstrap failed")
	}

	inbox := federation.NewHandlers(service, directory, gateway, guard, m, log)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	httpServer := app.NewHTTPServer(service, inbox, metricsHandler, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("domain", cfg.Domain).Msg("fedipedia API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
