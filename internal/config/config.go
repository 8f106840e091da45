package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting, loaded from the environment.
type Config struct {
	Server struct {
		Addr         string        `envconfig:"SERVER_ADDR" default:":8080"`
		CORSOrigins  []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
		ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
		WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	}

	Database struct {
		URL string `envconfig:"DATABASE_URL" required:"true"`
	}

	Auth struct {
		JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
		TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	}

	Exchange struct {
		// TreasuryAccount collects trading fees and forfeited stakes.
		TreasuryAccount int64         `envconfig:"TREASURY_ACCOUNT" default:"1"`
		StakeAsset      string        `envconfig:"STAKE_ASSET" default:"USD"`
		SettleInterval  time.Duration `envconfig:"SETTLE_INTERVAL" default:"1s"`
		TriggerInterval time.Duration `envconfig:"TRIGGER_INTERVAL" default:"1s"`
		PriceTTL        time.Duration `envconfig:"PRICE_TTL" default:"5s"`
	}
}

// Validate checks settings that envconfig cannot express.
func Validate(cfg *Config) error {
	if len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if cfg.Exchange.SettleInterval < 100*time.Millisecond {
		return fmt.Errorf("SETTLE_INTERVAL must be at least 100ms")
	}
	if cfg.Exchange.TriggerInterval < 100*time.Millisecond {
		return fmt.Errorf("TRIGGER_INTERVAL must be at least 100ms")
	}
	return nil
}

// Load reads .env when present, then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
