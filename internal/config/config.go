// Package config loads service settings from the environment, an optional
// config file and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates the settings of one service process
type Config struct {
	Env      string         `mapstructure:"env"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Service  ServiceConfig  `mapstructure:"service"`
	User     UserConfig     `mapstructure:"user"`
	Redis    RedisConfig    `mapstructure:"redis"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// RabbitMQConfig describes the broker connection. URL wins over the
// individual parts.
type RabbitMQConfig struct {
	URL             string        `mapstructure:"url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Exchange        string        `mapstructure:"exchange"`
	Prefetch        int           `mapstructure:"prefetch"`
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	DeadLetter      string        `mapstructure:"dead_letter_exchange"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	SilentFailures  bool          `mapstructure:"silent_failures"`
}

// ServiceConfig names this service on the bus
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	Queue    string `mapstructure:"queue"`
	RPCQueue string `mapstructure:"rpc_queue"`
}

// UserConfig names the user service this service calls
type UserConfig struct {
	Queue    string `mapstructure:"queue"`
	RPCQueue string `mapstructure:"rpc_queue"`
}

// RedisConfig describes the status store. URL wins over the individual
// parts; an empty host and URL disables the store.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures the ops endpoint serving health and metrics
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration from v, which may already carry bound
// flags. A non-empty configFile is read first; environment variables
// override it.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.prefetch", 1)
	v.SetDefault("rabbitmq.max_redeliveries", 0)
	v.SetDefault("rabbitmq.reconnect_delay", 5*time.Second)
	v.SetDefault("rabbitmq.max_reconnects", 10)
	v.SetDefault("rabbitmq.request_timeout", 10*time.Second)
	v.SetDefault("rabbitmq.handler_timeout", 30*time.Second)
	v.SetDefault("service.name", "RESUME_SERVICE")
	v.SetDefault("service.queue", "RESUME_QUEUE")
	v.SetDefault("service.rpc_queue", "RESUME_RPC")
	v.SetDefault("user.rpc_queue", "USER_RPC")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"env":                           "ENV",
		"rabbitmq.url":                  "RABBITMQ_URL",
		"rabbitmq.username":             "RABBITMQ_USERNAME",
		"rabbitmq.password":             "RABBITMQ_PASSWORD",
		"rabbitmq.host":                 "RABBITMQ_HOST",
		"rabbitmq.port":                 "RABBITMQ_PORT",
		"rabbitmq.exchange":             "EXCHANGE_NAME",
		"rabbitmq.prefetch":             "RABBITMQ_PREFETCH",
		"rabbitmq.max_redeliveries":     "RABBITMQ_MAX_REDELIVERIES",
		"rabbitmq.dead_letter_exchange": "RABBITMQ_DEAD_LETTER_EXCHANGE",
		"rabbitmq.reconnect_delay":      "RABBITMQ_RECONNECT_DELAY",
		"rabbitmq.max_reconnects":       "RABBITMQ_MAX_RECONNECTS",
		"rabbitmq.request_timeout":      "RPC_REQUEST_TIMEOUT",
		"rabbitmq.silent_failures":      "RPC_SILENT_FAILURES",
		"rabbitmq.handler_timeout":      "HANDLER_TIMEOUT",
		"service.name":                  "SERVICE_NAME",
		"service.queue":                 "SERVICE_QUEUE",
		"service.rpc_queue":             "SERVICE_RPC",
		"user.queue":                    "USER_QUEUE",
		"user.rpc_queue":                "USER_RPC",
		"redis.url":                     "REDIS_URL",
		"redis.username":                "REDIS_USERNAME",
		"redis.password":                "REDIS_PASSWORD",
		"redis.host":                    "REDIS_HOST",
		"redis.port":                    "REDIS_PORT",
		"redis.db":                      "REDIS_DB",
		"redis.ttl":                     "REDIS_TTL",
		"http.addr":                     "HTTP_ADDR",
		"log.level":                     "LOG_LEVEL",
		"log.format":                    "LOG_FORMAT",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

// Validate reports the first missing or invalid setting
func (c Config) Validate() error {
	if c.RabbitMQ.URL == "" && c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq url or host is required")
	}
	if c.RabbitMQ.URL == "" && c.RabbitMQ.Port <= 0 {
		return errors.New("rabbitmq port must be positive")
	}
	if c.RabbitMQ.URL != "" {
		if _, err := url.Parse(c.RabbitMQ.URL); err != nil {
			return fmt.Errorf("invalid rabbitmq url: %w", err)
		}
	}
	if c.RabbitMQ.Exchange == "" {
		return errors.New("exchange name is required")
	}
	if c.RabbitMQ.Prefetch < 1 {
		return errors.New("rabbitmq prefetch must be at least 1")
	}
	if c.RabbitMQ.MaxRedeliveries < 0 {
		return errors.New("rabbitmq max redeliveries must not be negative")
	}
	if c.RabbitMQ.RequestTimeout <= 0 {
		return errors.New("rpc request timeout must be positive")
	}
	if c.RabbitMQ.HandlerTimeout < 0 {
		return errors.New("handler timeout must not be negative")
	}
	if c.Service.Name == "" {
		return errors.New("service name is required")
	}
	if c.Service.Queue == "" {
		return errors.New("service queue is required")
	}
	if c.Service.RPCQueue == "" {
		return errors.New("service rpc queue is required")
	}
	if c.User.RPCQueue == "" {
		return errors.New("user rpc queue is required")
	}
	if c.Redis.Port < 0 {
		return errors.New("redis port must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// ConnectionURL returns the broker URL, built from the parts when no URL is
// set
func (r RabbitMQConfig) ConnectionURL() string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   r.Host + ":" + strconv.Itoa(r.Port),
		Path:   "/",
	}
	if r.Username != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u.String()
}

// Enabled reports whether a Redis server is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

// ConnectionURL returns the Redis URL, built from the parts when no URL is
// set
func (r RedisConfig) ConnectionURL() string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{
		Scheme: "redis",
		Host:   r.Host + ":" + strconv.Itoa(r.Port),
		Path:   "/" + strconv.Itoa(r.DB),
	}
	if r.Username != "" || r.Password != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u.String()
}
