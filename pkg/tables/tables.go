// Package tables fetches published score lookup tables (trained matrices
// such as the fly FCWB table) over HTTP and caches them locally, so runs on
// the same machine do not re-download.
package tables

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"github.com/morphoscope/nblast/internal/scoring"
)

// Config locates the table registry and the local cache.
type Config struct {
	// BaseURL is the registry root; table files live at BaseURL/<name>.
	BaseURL string `env:"NBLAST_TABLES_URL"`
	// CacheDir defaults to nblast-tables under the user cache directory.
	CacheDir string `env:"NBLAST_TABLES_CACHE"`
}

// Client downloads and caches score tables.
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient builds a Client, filling unset config fields from the
// environment. Downloads retry with backoff before failing.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.CacheDir == "" {
		var envCfg Config
		if err := envconfig.Process(ctx, &envCfg); err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = envCfg.BaseURL
		}
		if cfg.CacheDir == "" {
			cfg.CacheDir = envCfg.CacheDir
		}
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tables: no base URL configured")
	}
	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("tables: no cache dir: %w", err)
		}
		cfg.CacheDir = filepath.Join(base, "nblast-tables")
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = 5
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 20 * time.Second
	retry.HTTPClient.Timeout = 30 * time.Second
	retry.Logger = nil

	client := resty.NewWithClient(retry.StandardClient()).
		SetBaseURL(cfg.BaseURL)

	log.Debug().Str("base_url", cfg.BaseURL).Str("cache_dir", cfg.CacheDir).Msg("tables client ready")
	return &Client{cfg: cfg, http: client}, nil
}

// Fetch returns the named table, serving from the cache when possible. The
// name is a registry file name like "fcwb.csv" or "fcwb.csv.gz".
func (c *Client) Fetch(ctx context.Context, name string) (*scoring.Lookup, error) {
	cached := filepath.Join(c.cfg.CacheDir, filepath.Base(name))
	if l, err := scoring.LoadLookup(cached); err == nil {
		log.Debug().Str("table", name).Msg("score table served from cache")
		return l, nil
	}

	if err := os.MkdirAll(c.cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("tables: cache dir: %w", err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetOutput(cached).
		Get(name)
	if err != nil {
		return nil, fmt.Errorf("tables: fetching %s: %w", name, err)
	}
	if resp.IsError() {
		os.Remove(cached)
		return nil, fmt.Errorf("tables: fetching %s: status %s", name, resp.Status())
	}
	log.Info().Str("table", name).Str("path", cached).Msg("downloaded score table")
	return scoring.LoadLookup(cached)
}
