// Package config defines environment configuration structs and loaders.
package config

import (
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

type AppConfig struct {
	ScoringEnvConfig
	SmartEnvConfig
	ServerEnvConfig
	TablesEnvConfig
}

func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// ScoringEnvConfig holds the shared engine defaults. Workers 0 resolves to
// the CPU count once, at load time.
type ScoringEnvConfig struct {
	Workers     int     `env:"NBLAST_WORKERS" envDefault:"0"`
	Aggregation string  `env:"NBLAST_AGG" envDefault:"forward"`
	UseAlpha    bool    `env:"NBLAST_USE_ALPHA" envDefault:"false"`
	Normalized  bool    `env:"NBLAST_NORMALIZED" envDefault:"true"`
	MaxDist     float64 `env:"NBLAST_MAX_DIST" envDefault:"0"`
	LookupPath  string  `env:"NBLAST_LOOKUP" envDefault:""`
}

// SmartEnvConfig configures the two-stage variant defaults.
type SmartEnvConfig struct {
	SmartCriterion string  `env:"NBLAST_SMART_CRITERION" envDefault:"percentile"`
	SmartThreshold float64 `env:"NBLAST_SMART_THRESHOLD" envDefault:"90"`
	SmartStep      int     `env:"NBLAST_SMART_STEP" envDefault:"10"`
}

// ServerEnvConfig configures the HTTP scoring service.
type ServerEnvConfig struct {
	Address       string        `env:"NBLAST_SERVER_ADDR" envDefault:"127.0.0.1"`
	Port          int           `env:"NBLAST_SERVER_PORT" envDefault:"8080"`
	BodySizeLimit int           `env:"NBLAST_SERVER_BODY_LIMIT" envDefault:"33554432"`
	ReadTimeout   time.Duration `env:"NBLAST_SERVER_READ_TIMEOUT" envDefault:"30s"`
}

// TablesEnvConfig configures fetching of published score tables.
type TablesEnvConfig struct {
	TablesBaseURL  string `env:"NBLAST_TABLES_URL" envDefault:""`
	TablesCacheDir string `env:"NBLAST_TABLES_CACHE" envDefault:""`
}
