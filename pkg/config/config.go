// Package config loads toolscribe's runtime configuration from the
// environment. Configuration loading itself is out of scope for the
// observation pipeline's behavior, so this stays intentionally thin:
// one struct, one loader, production-ready defaults.
//
// Grounded on the teacher's pkg/database/config.go (getEnvOrDefault +
// os.Getenv + Validate shape) and cmd/tarsy/main.go's godotenv.Load call.
// Field parsing itself is delegated to caarlos0/env (iota-uz-iota-sdk's
// env-struct-tag idiom) instead of hand-rolled strconv calls per field.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob toolscribe's process needs.
type Config struct {
	// HTTPAddr is the address the API server listens on.
	HTTPAddr string `env:"TOOLSCRIBE_HTTP_ADDR" envDefault:":8787"`

	// StorePath is the sqlite database file path.
	StorePath string `env:"TOOLSCRIBE_STORE_PATH" envDefault:"./toolscribe.db"`

	// AnalyzerPath is the executable spawned to distill tool activity.
	AnalyzerPath string `env:"TOOLSCRIBE_ANALYZER_PATH" envDefault:"./analyzer"`
	AnalyzerArgs []string `env:"TOOLSCRIBE_ANALYZER_ARGS" envSeparator:" "`

	// CleanupInterval and CleanupKeepLast control the retention sweep.
	CleanupInterval time.Duration `env:"TOOLSCRIBE_CLEANUP_INTERVAL" envDefault:"10m"`
	CleanupKeepLast int           `env:"TOOLSCRIBE_CLEANUP_KEEP_LAST" envDefault:"100"`

	// Metrics cache TTLs (§4.7). These are parsed into Config but not passed
	// to the metrics engine, which uses fixed 30s and 300s TTLs.
	MetricsCacheTTL    time.Duration `env:"TOOLSCRIBE_METRICS_CACHE_TTL" envDefault:"30s"`
	ProjectionCacheTTL time.Duration `env:"TOOLSCRIBE_PROJECTION_CACHE_TTL" envDefault:"300s"`

	// Vector index sync (C9). Empty VectorHost disables the syncer.
	VectorHost       string `env:"TOOLSCRIBE_VECTOR_HOST" envDefault:""`
	VectorPort       int    `env:"TOOLSCRIBE_VECTOR_PORT" envDefault:"6334"`
	VectorAPIKey     string `env:"TOOLSCRIBE_VECTOR_API_KEY" envDefault:""`
	VectorCollection string `env:"TOOLSCRIBE_VECTOR_COLLECTION" envDefault:"toolscribe_observations"`
	VectorDimension  int    `env:"TOOLSCRIBE_VECTOR_DIMENSION" envDefault:"384"`

	// ReadDBConns is validated to be at least 1 but not passed to the store;
	// store.Open sizes its read connection pool itself (4 connections).
	ReadDBConns int `env:"TOOLSCRIBE_READ_DB_CONNS" envDefault:"8"`

	LogLevel string `env:"TOOLSCRIBE_LOG_LEVEL" envDefault:"info"`
}

// Load reads a .env file (if present) from configDir, then parses the
// environment into a Config, applying defaults and validating it.
func Load(configDir string) (Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Load's defaults can't guarantee on their own
// (an operator override can still set a nonsensical value).
func (c Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("TOOLSCRIBE_STORE_PATH must not be empty")
	}
	if c.AnalyzerPath == "" {
		return fmt.Errorf("TOOLSCRIBE_ANALYZER_PATH must not be empty")
	}
	if c.ReadDBConns < 1 {
		return fmt.Errorf("TOOLSCRIBE_READ_DB_CONNS must be at least 1")
	}
	if c.CleanupKeepLast < 0 {
		return fmt.Errorf("TOOLSCRIBE_CLEANUP_KEEP_LAST cannot be negative")
	}
	if c.VectorHost != "" && c.VectorDimension < 1 {
		return fmt.Errorf("TOOLSCRIBE_VECTOR_DIMENSION must be at least 1 when vector sync is enabled")
	}
	return nil
}

// VectorSyncEnabled reports whether enough configuration is present to
// stand up the Vector Index Sync (C9).
func (c Config) VectorSyncEnabled() bool {
	return c.VectorHost != ""
}
