package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"neura/api/internal/app"
	"neura/api/internal/config"
	"neura/api/internal/gitrepo"
	"neura/api/internal/search"
	"neura/api/internal/session"
	"neura/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx := context.Background()

	var backends app.Backends
	var db *sql.DB
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		backends.Store = store.NewPostgresStore(db)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, document access checks and save-back to postgres are disabled")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		tickets, err := session.NewTicketStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer tickets.Close()
		backends.Tickets = tickets
	}

	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create repos dir")
		}
		backends.Git = gitrepo.New(cfg.ReposDir)
	}

	var pgfts *search.PgFTS
	if db != nil {
		pgfts = search.NewPgFTS(db)
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With().Str("component", "meili").Logger())
		defer meiliClient.Close()
	}
	if pgfts != nil || meiliClient != nil {
		searchService := search.NewService(meiliClient, pgfts, logger.With().Str("component", "search").Logger())
		go searchService.ReindexAllFromPG(ctx)
		backends.Search = searchService
	}

	service := app.New(cfg, backends, logger)
	runCtx, stopGateway := context.WithCancel(ctx)
	defer stopGateway()
	go func() {
		if err := service.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("gateway stopped")
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.With().Str("component", "http").Logger())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("collaboration server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Closing the gateway ends every websocket and flushes dirty sessions.
	stopGateway()
	select {
	case <-service.Gateway().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("gateway did not stop before the shutdown deadline")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "neura-collab").Logger()
}
