package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the environment driven configuration for the chat relay.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"chat-relay"`
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend   string        `env:"STORE_BACKEND" envDefault:"dynamodb"`
	StateTable     string        `env:"STATE_TABLE"`
	UserIndex      string        `env:"STATE_USER_INDEX" envDefault:"GSI1"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	AutoMigrate    bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	OwnerCacheSize int           `env:"OWNER_CACHE_SIZE" envDefault:"1024"`

	ParamPrefix     string        `env:"PARAM_PREFIX"`
	ProviderBaseURL string        `env:"PROVIDER_BASE_URL" envDefault:"https://api.coze.com/v3"`
	ProviderBotID   string        `env:"PROVIDER_BOT_ID"`
	ProviderToken   string        `env:"PROVIDER_TOKEN"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements and fills fallbacks.
func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return fmt.Errorf("config: STATE_TABLE is required when STORE_BACKEND is %s", BackendDynamoDB)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_BACKEND is %s", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if strings.TrimSpace(c.ProviderBotID) == "" {
		return fmt.Errorf("config: PROVIDER_BOT_ID is required")
	}
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	if strings.TrimSpace(c.ProviderToken) == "" && c.ParamPrefix == "" {
		return fmt.Errorf("config: one of PROVIDER_TOKEN or PARAM_PREFIX is required")
	}

	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.OwnerCacheSize <= 0 {
		c.OwnerCacheSize = 1024
	}
	return nil
}

// TokenParameterName is the SSM parameter holding the provider bearer token.
func (c *Config) TokenParameterName() string {
	return c.ParamPrefix + "/provider-token"
}
