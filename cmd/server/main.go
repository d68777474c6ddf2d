// Command server runs the HTTP scoring service.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/morphoscope/nblast/internal/config"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/internal/server"
	"github.com/morphoscope/nblast/internal/utils/logger"
)

func main() {
	logger.Init()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	var lookup *scoring.Lookup
	if cfg.LookupPath != "" {
		lookup, err = scoring.LoadLookup(cfg.LookupPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.LookupPath).Msg("loading score table")
		}
		log.Info().Str("path", cfg.LookupPath).Msg("score table loaded")
	} else {
		log.Warn().Msg("no score table configured, scoring with the pass-through distance*dot function")
	}

	srv := server.New(cfg, lookup)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
