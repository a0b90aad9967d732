// Package config loads webhookd's process configuration from environment
// variables, the required surface named in spec §6 plus the ambient knobs
// (log level, worker pool size, sender/retry tuning) a complete service
// needs but the spec leaves to the implementation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relayhook/webhookd/internal/mq"
)

// Config holds everything read from the environment at process start.
type Config struct {
	ServiceName string
	LogLevel    string

	ServerHost string
	ServerPort string

	Postgres PostgresConfig
	AMQP     mq.AMQPConfig

	MetricsPort string

	DispatchWorkers int
	SenderTimeout   time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryJitter      float64
}

// PostgresConfig holds the discrete POSTGRES_* environment variables.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
}

// DSN renders the connection string lib/pq expects.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DB)
}

// Load reads configuration from the environment, applying defaults for
// ambient knobs the spec's external interface table does not name.
func Load() (*Config, error) {
	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "webhookd"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ServerHost: require("SERVER_HOST"),
		ServerPort: require("SERVER_PORT"),

		Postgres: PostgresConfig{
			Host:     require("POSTGRES_HOST"),
			Port:     require("POSTGRES_PORT"),
			User:     require("POSTGRES_USER"),
			Password: require("POSTGRES_PASSWORD"),
			DB:       require("POSTGRES_DB"),
		},
		AMQP: mq.AMQPConfig{
			Host:             require("AMQP_HOST"),
			Port:             require("AMQP_PORT"),
			User:             require("AMQP_USER"),
			Password:         require("AMQP_PASSWORD"),
			SentMessageQueue: require("AMQP_SENT_MESSAGE_QUEUE"),
		},

		MetricsPort: getEnv("METRICS_PORT", "9090"),

		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
		SenderTimeout:   getEnvDuration("SENDER_TIMEOUT", 30*time.Second),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMultiplier:  getEnvFloat("RETRY_MULTIPLIER", 2),
		RetryJitter:      getEnvFloat("RETRY_JITTER", 0.5),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required environment variables not set: %v", missing)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("config: DISPATCH_WORKERS must be >= 1, got %d", c.DispatchWorkers)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier <= 1 {
		return fmt.Errorf("config: RETRY_MULTIPLIER must be > 1, got %v", c.RetryMultiplier)
	}
	if c.RetryJitter <= 0 || c.RetryJitter > 1 {
		return fmt.Errorf("config: RETRY_JITTER must be in (0, 1], got %v", c.RetryJitter)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
