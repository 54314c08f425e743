// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue holds the knobs spec.md §6.5 lists as configurable, shared by
// the Consumer, Harvester and Janitor.
type Queue struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PollTimeout           time.Duration `mapstructure:"poll_timeout"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout"`
	MaxConsecutiveErrors  int           `mapstructure:"max_consecutive_errors"`
	BatchSize             int           `mapstructure:"batch_size"`
	CompletedTTL          time.Duration `mapstructure:"completed_ttl"`
	ConsumerCount         int           `mapstructure:"consumer_count"`
	JanitorScanInterval   time.Duration `mapstructure:"janitor_scan_interval"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type AdminAPI struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Queue          Queue          `mapstructure:"queue"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	AdminAPI       AdminAPI       `mapstructure:"admin_api"`
	Topics         []string       `mapstructure:"topics"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			PollInterval:         100 * time.Millisecond,
			PollTimeout:          5 * time.Second,
			HeartbeatInterval:    5 * time.Second,
			HeartbeatTimeout:     10 * time.Second,
			MaxConsecutiveErrors: 3,
			BatchSize:            1,
			CompletedTTL:         86400 * time.Second,
			ConsumerCount:        4,
			JanitorScanInterval:  5 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
		},
		AdminAPI: AdminAPI{
			ListenAddr:   ":8089",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Topics: []string{"default"},
	}
}

// Load reads configuration from a YAML file (if present) with
// environment-variable overrides, exactly as the teacher's config
// loader does via viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.poll_interval", def.Queue.PollInterval)
	v.SetDefault("queue.poll_timeout", def.Queue.PollTimeout)
	v.SetDefault("queue.heartbeat_interval", def.Queue.HeartbeatInterval)
	v.SetDefault("queue.heartbeat_timeout", def.Queue.HeartbeatTimeout)
	v.SetDefault("queue.max_consecutive_errors", def.Queue.MaxConsecutiveErrors)
	v.SetDefault("queue.batch_size", def.Queue.BatchSize)
	v.SetDefault("queue.completed_ttl", def.Queue.CompletedTTL)
	v.SetDefault("queue.consumer_count", def.Queue.ConsumerCount)
	v.SetDefault("queue.janitor_scan_interval", def.Queue.JanitorScanInterval)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("admin_api.listen_addr", def.AdminAPI.ListenAddr)
	v.SetDefault("admin_api.read_timeout", def.AdminAPI.ReadTimeout)
	v.SetDefault("admin_api.write_timeout", def.AdminAPI.WriteTimeout)

	v.SetDefault("topics", def.Topics)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if len(cfg.Topics) == 0 {
		return fmt.Errorf("topics must be non-empty")
	}
	if cfg.Queue.ConsumerCount < 1 {
		return fmt.Errorf("queue.consumer_count must be >= 1")
	}
	if cfg.Queue.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("queue.max_consecutive_errors must be >= 1")
	}
	if cfg.Queue.HeartbeatTimeout <= cfg.Queue.HeartbeatInterval {
		return fmt.Errorf("queue.heartbeat_timeout must be greater than queue.heartbeat_interval")
	}
	if cfg.Queue.PollTimeout <= 0 {
		return fmt.Errorf("queue.poll_timeout must be > 0")
	}
	if cfg.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be >= 1")
	}
	if cfg.Queue.CompletedTTL <= 0 {
		return fmt.Errorf("queue.completed_ttl must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
