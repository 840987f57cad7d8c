package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	DriverBolt  = "bolt"
	DriverMongo = "mongo"
)

type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	DataDir string `env:"DATA_DIR" envDefault:"."`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"bolt"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"hydro"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"60s"`
	RetryAttempts     int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" envDefault:"1s"`
	DiscardMode       string        `env:"DISCARD_MODE" envDefault:"trim"`
	DescriptionLocale string        `env:"DESCRIPTION_LOCALE" envDefault:"zh"`

	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"30m"`
	SessionMaxAge          time.Duration `env:"SESSION_MAX_AGE" envDefault:"1h"`

	// AdminUIDs may list every user's conversations and save system settings.
	AdminUIDs []int64 `env:"ADMIN_UIDS" envSeparator:","`
}

// Load reads envFile (or .env when empty, if present) and then the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverBolt:
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER is %s", DriverMongo)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverBolt, DriverMongo, c.StoreDriver)
	}

	if c.DiscardMode != "trim" && c.DiscardMode != "keep" {
		return fmt.Errorf("DISCARD_MODE must be trim or keep, got %q", c.DiscardMode)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must not be negative")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("RETRY_INTERVAL must not be negative")
	}
	if c.SessionCleanupInterval <= 0 {
		return fmt.Errorf("SESSION_CLEANUP_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

// BoltPath is the database file used by the bolt driver.
func (c *Config) BoltPath() string {
	return c.DataDir + "/aicoach.db"
}
