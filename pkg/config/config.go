package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/domino14/eventex/pkg/marketapi"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Market  MarketConfig  `yaml:"market"`
	Log     LogConfig     `yaml:"log"`
}

type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	MigrationsPath string `yaml:"migrations_path"` // migrate source URL
}

type MarketConfig struct {
	DefaultRiskCap   float64 `yaml:"default_risk_cap"`
	MinMaturityHours float64 `yaml:"min_maturity_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then a .env file if one exists.
// Environment variables override the file. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("EXCHANGE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("EXCHANGE_MIGRATIONS_PATH"); v != "" {
		cfg.Storage.MigrationsPath = v
	}
	if v := os.Getenv("EXCHANGE_DEFAULT_RISK_CAP"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config.Load: EXCHANGE_DEFAULT_RISK_CAP: %w", err)
		}
		cfg.Market.DefaultRiskCap = f
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "exchange.db"
	}
	if cfg.Storage.MigrationsPath == "" {
		cfg.Storage.MigrationsPath = "file://db/migrations"
	}
	if cfg.Market.DefaultRiskCap <= 0 {
		cfg.Market.DefaultRiskCap = 10000
	}
	if cfg.Market.MinMaturityHours <= 0 {
		cfg.Market.MinMaturityHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Store returns the store's own configuration.
func (c *Config) Store() *marketapi.Config {
	return &marketapi.Config{
		DBMigrationsPath: c.Storage.MigrationsPath,
		DBPath:           c.Storage.DBPath,
	}
}

func (c *Config) Service() marketapi.ServiceConfig {
	return marketapi.ServiceConfig{
		MinRiskCap:  c.Market.DefaultRiskCap,
		MinMaturity: time.Duration(c.Market.MinMaturityHours * float64(time.Hour)),
	}
}
