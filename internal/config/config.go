// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/nbittich/v3/internal/rabbitmq"
)

// Config is the configuration of a messenger process
type Config struct {
	AppName  string
	Exchange string
	Broker   BrokerConfig
	Logging  LoggingConfig
	Store    StoreConfig
	HTTP     HTTPConfig
}

// BrokerConfig locates the broker and sizes the connection pool
type BrokerConfig struct {
	Host            string
	Port            int
	MaxPoolSize     int
	CheckoutTimeout time.Duration
}

// URL returns the amqp connection string
func (c BrokerConfig) URL() string {
	return rabbitmq.BrokerURL(c.Host, c.Port)
}

// PoolOptions converts the pool settings to pool options
func (c BrokerConfig) PoolOptions() []rabbitmq.PoolOption {
	return []rabbitmq.PoolOption{
		rabbitmq.WithMaxSize(c.MaxPoolSize),
		rabbitmq.WithCheckoutTimeout(c.CheckoutTimeout),
	}
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Path string
}

type HTTPConfig struct {
	Addr string
}

// Load reads the whole configuration. defaultApp is used when APP_NAME is
// not set.
func Load(defaultApp string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	app := getEnv("APP_NAME", defaultApp)
	return &Config{
		AppName:  app,
		Exchange: getEnv("EXCHANGE", "user"),
		Broker:   brokerFromEnv(),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Path: getEnv("STORE_PATH", filepath.Join("data", app)),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
	}, nil
}

// LoadBroker reads only the broker settings
func LoadBroker() (BrokerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return BrokerConfig{}, err
	}
	return brokerFromEnv(), nil
}

func brokerFromEnv() BrokerConfig {
	return BrokerConfig{
		Host:            getEnv("AMQP_HOST", "127.0.0.1"),
		Port:            getEnvInt("AMQP_PORT", 5672),
		MaxPoolSize:     getEnvInt("POOL_MAX_SIZE", rabbitmq.DefaultMaxSize()),
		CheckoutTimeout: getEnvDuration("POOL_CHECKOUT_TIMEOUT", rabbitmq.DefaultCheckoutTimeout),
	}
}

// loadDotEnv loads .env without overriding variables already set
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
