package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orchestra-mcp/rpc/src/codec"
	"github.com/orchestra-mcp/rpc/src/transport"
)

// BridgeConfig holds coordinator and bridge settings.
type BridgeConfig struct {
	Codec            string        `yaml:"codec"`             // "json" or "msgpack"
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 0 waits forever
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // 0 disables monitoring
	MaxFrameSize     int           `yaml:"max_frame_size"`

	SocketPath    string `yaml:"socket_path"`
	TCPAddr       string `yaml:"tcp_addr"`
	WebSocketAddr string `yaml:"websocket_addr"`
	QUICAddr      string `yaml:"quic_addr"`

	Workers int `yaml:"workers"`

	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *BridgeConfig {
	return &BridgeConfig{
		Codec:            "json",
		HandshakeTimeout: 10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		MaxFrameSize:     transport.DefaultMaxFrameSize,
		SocketPath:       os.TempDir() + "/orchestra-rpc.sock",
		Workers:          2,
	}
}

// FromEnv loads the configuration from RPC_* environment variables on top of
// the defaults. Redis is enabled when REDIS_URL or REDIS_ADDR is set.
func FromEnv() (*BridgeConfig, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over the defaults, then applies the environment.
func LoadFile(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Redis != nil {
		if cfg.Redis.Prefix == "" {
			cfg.Redis.Prefix = transport.DefaultRedisPrefix
		}
		if cfg.Redis.Addr == "" && cfg.Redis.URL == "" {
			cfg.Redis.Addr = DefaultRedisConfig().Addr
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *BridgeConfig) applyEnv() error {
	if v := os.Getenv("RPC_CODEC"); v != "" {
		c.Codec = v
	}
	for env, dst := range map[string]*time.Duration{
		"RPC_HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"RPC_HEARTBEAT_TIMEOUT": &c.HeartbeatTimeout,
	} {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}
	for env, dst := range map[string]*int{
		"RPC_MAX_FRAME_SIZE": &c.MaxFrameSize,
		"RPC_WORKERS":        &c.Workers,
	} {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
	}
	for env, dst := range map[string]*string{
		"RPC_SOCKET":    &c.SocketPath,
		"RPC_TCP_ADDR":  &c.TCPAddr,
		"RPC_WS_ADDR":   &c.WebSocketAddr,
		"RPC_QUIC_ADDR": &c.QUICAddr,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if redisEnvSet() {
		r, err := RedisFromEnv()
		if err != nil {
			return err
		}
		c.Redis = r
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *BridgeConfig) Validate() error {
	if _, err := codec.ByName(c.Codec); err != nil {
		return err
	}
	if c.HandshakeTimeout < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("max_frame_size must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.Redis != nil {
		return c.Redis.validate()
	}
	return nil
}

// TransportOptions returns transport options for this configuration.
func (c *BridgeConfig) TransportOptions() transport.Options {
	cd, _ := codec.ByName(c.Codec)
	return transport.Options{Codec: cd, MaxFrameSize: c.MaxFrameSize}
}
