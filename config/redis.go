package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra-mcp/rpc/src/transport"
)

// RedisConfig holds the settings of the Redis rendezvous transport.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. When set it replaces Addr,
	// Password and DB.
	URL         string        `yaml:"url"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultRedisConfig returns the local Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		Prefix:      transport.DefaultRedisPrefix,
		DialTimeout: 5 * time.Second,
	}
}

// RedisFromEnv reads REDIS_URL, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
// REDIS_RPC_PREFIX and REDIS_DIAL_TIMEOUT over the defaults.
func RedisFromEnv() (*RedisConfig, error) {
	cfg := DefaultRedisConfig()
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.DB = db
	}
	if v := os.Getenv("REDIS_RPC_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("REDIS_DIAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DIAL_TIMEOUT: %w", err)
		}
		cfg.DialTimeout = d
	}
	return cfg, cfg.validate()
}

func redisEnvSet() bool {
	return os.Getenv("REDIS_URL") != "" || os.Getenv("REDIS_ADDR") != ""
}

func (c *RedisConfig) validate() error {
	if c.URL == "" && c.Addr == "" {
		return fmt.Errorf("redis: url or addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis: db must not be negative")
	}
	if c.URL != "" {
		if _, err := redis.ParseURL(c.URL); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Options returns go-redis client options for this configuration.
func (c *RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	return opts, nil
}

// Client opens a go-redis client for this configuration.
func (c *RedisConfig) Client() (*redis.Client, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
