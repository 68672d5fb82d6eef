package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// PaystackSecretKey is deliberately not required at startup: the verify
	// endpoint reports a 500 per call when it is missing.
	PaystackSecretKey string `env:"PAYSTACK_SECRET_KEY"`
	PaystackBaseURL   string `env:"PAYSTACK_BASE_URL" envDefault:"https://api.paystack.co" validate:"required,url"`

	QStashCurrentSigningKey string `env:"QSTASH_CURRENT_SIGNING_KEY"`
	QStashNextSigningKey    string `env:"QSTASH_NEXT_SIGNING_KEY"`
	CronSecret              string `env:"CRON_SECRET"`

	DefaultDoorFeeCents      int64 `env:"DEFAULT_DOOR_FEE_CENTS" envDefault:"3000" validate:"min=0"`
	ReservationWindowMinutes int   `env:"RESERVATION_WINDOW_MINUTES" envDefault:"30" validate:"min=1"`
	ReleaseBatchSize         int   `env:"RELEASE_BATCH_SIZE" envDefault:"200" validate:"min=1,max=1000"`

	DeliveryZonesFile string `env:"DELIVERY_ZONES_FILE"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	SentryDSN   string `env:"SENTRY_DSN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"oneof=development staging production"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.IsProduction() && strings.TrimSpace(c.QStashCurrentSigningKey) == "" {
		return fmt.Errorf("QSTASH_CURRENT_SIGNING_KEY is required in production")
	}
	if !c.IsProduction() && strings.TrimSpace(c.CronSecret) == "" {
		return fmt.Errorf("CRON_SECRET is required outside production")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
