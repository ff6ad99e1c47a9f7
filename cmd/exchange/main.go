package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/domino14/eventex/pkg/config"
	"github.com/domino14/eventex/pkg/console"
	"github.com/domino14/eventex/pkg/marketapi"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	setupLogger(cfg.Log)

	if err := marketapi.EnsureMigrations(cfg.Store()); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	store, err := marketapi.NewSqliteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("dbPath", cfg.Storage.DBPath).Msg("failed to open store")
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := marketapi.NewMarketService(store, cfg.Service())
	n, err := svc.Resume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resume markets")
	}
	log.Info().Int("markets", n).Msg("resumed ongoing contracts from database")

	if err := console.New(svc, os.Stdout).Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("console exited with error")
	}
	log.Info().Msg("program ended")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
