package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/rpc/src/codec"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.Codec)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Nil(t, cfg.Redis)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("RPC_CODEC", "msgpack")
	t.Setenv("RPC_HEARTBEAT_TIMEOUT", "5s")
	t.Setenv("RPC_WORKERS", "4")
	t.Setenv("RPC_TCP_ADDR", "127.0.0.1:7000")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "127.0.0.1:7000", cfg.TCPAddr)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, codec.Msgpack{}, cfg.TransportOptions().Codec)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("RPC_HANDSHAKE_TIMEOUT", "soon")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "RPC_HANDSHAKE_TIMEOUT")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
codec: msgpack
handshake_timeout: 2s
socket_path: /tmp/test.sock
workers: 3
redis:
  addr: localhost:6380
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "/tmp/test.sock", cfg.SocketPath)
	assert.Equal(t, 3, cfg.Workers)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, "orchestra:rpc:", cfg.Redis.Prefix)
}

func TestLoadFileUnknownCodec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codec: xml\n"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
