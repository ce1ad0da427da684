// Package config loads the order service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers
const (
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds every setting of the service
type Config struct {
	HTTPAddr string

	RabbitMQURL   string
	RPCExchange   string
	RPCRoutingKey string
	RPCTimeout    time.Duration
	NotifyQueue   string
	// NotifyQueueDurable must match how the notify queue already exists on
	// the broker; a mismatch is refused with PRECONDITION_FAILED.
	NotifyQueueDurable bool

	// NotifyBreakerThreshold consecutive notification failures open the
	// breaker; 0 disables it.
	NotifyBreakerThreshold int
	NotifyBreakerCooldown  time.Duration

	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string

	ServiceName      string
	Environment      string
	OTLPEndpoint     string
	OTLPGRPCEndpoint string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, falling back to defaults
func Load() (Config, error) {
	timeout, err := time.ParseDuration(env("RPC_TIMEOUT", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RPC_TIMEOUT: %w", err)
	}

	threshold, err := strconv.Atoi(env("NOTIFY_BREAKER_THRESHOLD", "5"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOTIFY_BREAKER_THRESHOLD: %w", err)
	}
	cooldown, err := time.ParseDuration(env("NOTIFY_BREAKER_COOLDOWN", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOTIFY_BREAKER_COOLDOWN: %w", err)
	}

	durable, err := strconv.ParseBool(env("NOTIFY_QUEUE_DURABLE", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NOTIFY_QUEUE_DURABLE: %w", err)
	}

	cfg := Config{
		HTTPAddr:               env("HTTP_ADDR", ":8080"),
		RabbitMQURL:            brokerURL(),
		RPCExchange:            env("RPC_EXCHANGE", "rpc_exchange"),
		RPCRoutingKey:          env("RPC_ROUTING_KEY", "rpc_queue"),
		RPCTimeout:             timeout,
		NotifyQueue:            env("NOTIFY_QUEUE", "Commande"),
		NotifyQueueDurable:     durable,
		NotifyBreakerThreshold: threshold,
		NotifyBreakerCooldown:  cooldown,
		StoreDriver:            strings.ToLower(env("STORE_DRIVER", StoreMongo)),
		MongoURI:               env("ORDER_MONGO_CONNECTION_STRING", "mongodb://localhost:27017"),
		MongoDatabase:          env("MONGO_DATABASE", "orders"),
		RedisAddr:              env("REDIS_ADDR", "localhost:6379"),
		ServiceName:            env("SERVICE_NAME", "order-service"),
		Environment:            env("ENVIRONMENT", "development"),
		OTLPEndpoint:           env("OTLP_ENDPOINT", ""),
		OTLPGRPCEndpoint:       env("OTLP_GRPC_ENDPOINT", ""),
		LogLevel:               env("LOG_LEVEL", "info"),
		LogFormat:              env("LOG_FORMAT", "json"),
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if c.RabbitMQURL == "" {
		errs = append(errs, errors.New("broker URL is required"))
	} else if u, err := url.Parse(c.RabbitMQURL); err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		errs = append(errs, errors.New("broker URL must use the amqp or amqps scheme"))
	}
	switch c.StoreDriver {
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("ORDER_MONGO_CONNECTION_STRING is required for the mongo store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.RPCTimeout < 0 {
		errs = append(errs, errors.New("RPC timeout must not be negative"))
	}
	if c.NotifyBreakerThreshold < 0 {
		errs = append(errs, errors.New("notify breaker threshold must not be negative"))
	}
	if c.NotifyQueue == "" {
		errs = append(errs, errors.New("notify queue is required"))
	}
	if c.RPCExchange == "" || c.RPCRoutingKey == "" {
		errs = append(errs, errors.New("RPC exchange and routing key are required"))
	}
	return errors.Join(errs...)
}

// brokerURL prefers RABBITMQ_URL and falls back to a guest URL on
// RABBITMQ_HOST.
func brokerURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	host := env("RABBITMQ_HOST", "localhost")
	return "amqp://guest:guest@" + host + ":5672/"
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
