// Package logger provides a global logger for the application
package logger

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.uber.org/zap"
)

var zapLogger *zap.Logger

func initLogger() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Caller().Logger()

	environment := strings.ToLower(os.Getenv("NBLAST_ENV"))
	if environment == "" {
		environment = "prod"
	}

	var logLevel zerolog.Level
	switch environment {
	case "dev", "test":
		logLevel = zerolog.TraceLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	// Level override by env, not flags: the CLI owns the process flag sets
	// and Init must not consume subcommand arguments.
	if override := strings.ToLower(os.Getenv("NBLAST_LOG_LEVEL")); override != "" {
		if lvl, err := zerolog.ParseLevel(override); err == nil {
			logLevel = lvl
		} else {
			log.Warn().Str("level", override).Msg("unknown NBLAST_LOG_LEVEL, keeping the environment default")
		}
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Info().Str("environment", environment).Stringer("level", logLevel).Msg("logging configured")

	var err error
	if environment == "prod" {
		zapLogger, err = zap.NewProduction()
	} else {
		zapLogger, err = zap.NewDevelopment()
	}
	if err != nil {
		zapLogger = zap.NewNop()
	}
}

// Init initializes the logger from the environment (NBLAST_ENV picks the
// default level, NBLAST_LOG_LEVEL overrides it). Call it once from main
// before any scoring work.
func Init() {
	initLogger()
}

// Sugar returns a sugared logger for easier use
func Sugar() *zap.SugaredLogger {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	return zapLogger.Sugar()
}
