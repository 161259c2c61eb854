package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/rpc/config"
	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/hub"
	"github.com/orchestra-mcp/rpc/src/metrics"
	"github.com/orchestra-mcp/rpc/src/resources"
	"github.com/orchestra-mcp/rpc/src/transport"
)

// WorkerGroup is the hub group spawned and in-process workers join.
const WorkerGroup = "workers"

// ErrInactive is returned when the host is used before Activate.
var ErrInactive = errors.New("host is not active")

// Host is the long-lived coordinator. It accepts bridges on every configured
// listener, handshakes them, monitors their heartbeat and keeps them in a hub.
type Host struct {
	contract *bridge.Contract
	cfg      *config.BridgeConfig
	setup    func(*bridge.Bridge)
	logger   zerolog.Logger

	hub       *hub.Hub
	resources *resources.Registry
	registry  *prometheus.Registry

	mu     sync.Mutex
	active bool
	ctx    context.Context
	cancel context.CancelFunc
	addrs  map[string]net.Addr
}

// NewHost creates a host serving contract. setup runs on every accepted
// bridge before its handshake and is where handlers get subscribed.
func NewHost(contract *bridge.Contract, cfg *config.BridgeConfig, logger zerolog.Logger, setup func(*bridge.Bridge)) *Host {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Host{
		contract: contract,
		cfg:      cfg,
		setup:    setup,
		logger:   logger.With().Str("component", "host").Logger(),
		addrs:    make(map[string]net.Addr),
	}
}

func (h *Host) ID() string      { return "orchestra/rpc" }
func (h *Host) Name() string    { return "RPC coordinator" }
func (h *Host) Version() string { return "0.1.0" }

// IsActive reports whether Activate succeeded and Deactivate was not called.
func (h *Host) IsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Hub returns the registry of connected bridges.
func (h *Host) Hub() *hub.Hub { return h.hub }

// Registry returns the prometheus registry the host exports.
func (h *Host) Registry() *prometheus.Registry { return h.registry }

// Addr returns the bound address of a listener ("unix", "tcp", "websocket",
// "quic"), or nil.
func (h *Host) Addr(name string) net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addrs[name]
}

// Activate starts the hub and every listener named in the configuration.
// Redis is optional: when unreachable the host runs without it.
func (h *Host) Activate(ctx context.Context) error {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.hub = hub.New(h.logger)
	h.resources = resources.NewRegistry(h.logger)
	h.registry = prometheus.NewRegistry()
	h.active = true
	h.mu.Unlock()

	metrics.Register(h.registry)
	go h.hub.Run()

	if err := h.listen(); err != nil {
		_ = h.Deactivate()
		return err
	}
	h.logger.Info().Str("host", h.ID()).Msg("coordinator activated")
	return nil
}

func (h *Host) listen() error {
	if path := h.cfg.SocketPath; path != "" {
		_ = os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", path, err)
		}
		h.ServeListener(ln, "unix")
	}
	if addr := h.cfg.TCPAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		h.ServeListener(ln, "tcp")
	}
	if addr := h.cfg.WebSocketAddr; addr != "" {
		if err := h.serveHTTP(addr); err != nil {
			return err
		}
	}
	if addr := h.cfg.QUICAddr; addr != "" {
		tlsConf, err := transport.SelfSignedTLS()
		if err != nil {
			return err
		}
		l, err := transport.ListenQUIC(addr, tlsConf, h.contract, h.transportOptions())
		if err != nil {
			return fmt.Errorf("listen quic %s: %w", addr, err)
		}
		h.ServeQUIC(l)
	}
	if h.cfg.Redis != nil {
		h.initRedis()
	}
	return nil
}

// initRedis starts the Redis rendezvous listener. If Redis is not reachable,
// the host runs without it.
func (h *Host) initRedis() {
	cfg := h.cfg.Redis
	client, err := cfg.Client()
	if err != nil {
		h.logger.Warn().Err(err).Msg("redis misconfigured, running without it")
		return
	}
	if err := client.Ping(h.ctx).Err(); err != nil {
		h.logger.Warn().Err(err).Str("redis_addr", cfg.Addr).Msg("redis unavailable, running without it")
		_ = client.Close()
		return
	}
	l, err := transport.ListenRedis(h.ctx, client, cfg.Prefix, h.contract, h.transportOptions())
	if err != nil {
		h.logger.Warn().Err(err).Msg("redis listener failed, running without it")
		_ = client.Close()
		return
	}
	h.resources.Register("redis client", client.Close)
	h.ServeRedis(l)
	h.logger.Info().Str("redis_addr", cfg.Addr).Str("prefix", cfg.Prefix).Msg("redis listener started")
}

// Deactivate ends every bridge and closes every listener.
func (h *Host) Deactivate() error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = false
	h.mu.Unlock()

	h.cancel()
	h.hub.Stop()
	err := h.resources.Close()
	if h.cfg.SocketPath != "" {
		_ = os.Remove(h.cfg.SocketPath)
	}
	h.logger.Info().Msg("coordinator deactivated")
	return err
}

func (h *Host) transportOptions() transport.Options {
	opts := h.cfg.TransportOptions()
	opts.Logger = h.logger
	opts.Resources = h.resources
	return opts
}

func (h *Host) setAddr(name string, addr net.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addrs[name] = addr
}

// Adopt handshakes b, starts its heartbeat monitor and registers it with the
// hub. setup runs before the handshake. A failed handshake ends b.
func (h *Host) Adopt(b *bridge.Bridge, transportName string, setup func(*bridge.Bridge)) (*hub.Client, error) {
	if !h.IsActive() {
		b.End("host inactive")
		return nil, ErrInactive
	}
	if setup != nil {
		setup(b)
	}
	if err := b.Handshake(h.ctx, bridge.HandshakeOptions{Timeout: h.cfg.HandshakeTimeout}); err != nil {
		h.logger.Warn().Err(err).Str("transport", transportName).Msg("handshake failed")
		return nil, err
	}
	b.MonitorHeartbeat(h.cfg.HeartbeatTimeout, func() {
		b.EndWithError(fmt.Errorf("heartbeat exceeded: %w", bridge.ErrTimeout))
	})
	c := hub.NewClient(b, transportName)
	h.hub.Register(c)
	return c, nil
}

// ServeListener accepts stream connections on ln until the host deactivates.
func (h *Host) ServeListener(ln net.Listener, name string) {
	h.setAddr(name, ln.Addr())
	h.resources.Register(name+" listener", ln.Close)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if h.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					h.logger.Error().Err(err).Str("listener", name).Msg("accept failed")
				}
				return
			}
			b, err := transport.Stream(conn, bridge.RoleServer, h.contract, h.transportOptions())
			if err != nil {
				_ = conn.Close()
				continue
			}
			go h.Adopt(b, name, h.setup)
		}
	}()
}

// ServeQUIC accepts QUIC bridges until the host deactivates.
func (h *Host) ServeQUIC(l *transport.QUICListener) {
	h.setAddr("quic", l.Addr())
	h.resources.Register("quic listener", l.Close)
	go h.acceptLoop("quic", l.Accept)
}

// ServeRedis accepts Redis rendezvous bridges until the host deactivates.
func (h *Host) ServeRedis(l *transport.RedisListener) {
	h.resources.Register("redis listener", l.Close)
	go h.acceptLoop("redis", l.Accept)
}

func (h *Host) acceptLoop(name string, accept func(context.Context) (*bridge.Bridge, error)) {
	for {
		b, err := accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Error().Err(err).Str("listener", name).Msg("accept failed")
			}
			return
		}
		go h.Adopt(b, name, h.setup)
	}
}

// SpawnWorker starts cmd as a child worker speaking contract over its stdio
// and adds it to WorkerGroup.
func (h *Host) SpawnWorker(cmd *exec.Cmd, contract *bridge.Contract) (*hub.Client, error) {
	if !h.IsActive() {
		return nil, ErrInactive
	}
	child, err := transport.Spawn(cmd, bridge.RoleServer, contract, h.transportOptions())
	if err != nil {
		return nil, err
	}
	c, err := h.Adopt(child.Bridge, "process", nil)
	if err != nil {
		return nil, err
	}
	h.hub.Join(WorkerGroup, c.ID)
	h.logger.Info().Int("pid", child.Pid()).Str("client_id", c.ID).Msg("worker spawned")
	return c, nil
}

// StartPortWorker runs an in-process worker on a port pair. serve subscribes
// the worker's handlers on its side of the pair.
func (h *Host) StartPortWorker(contract *bridge.Contract, serve func(*bridge.Bridge)) (*hub.Client, error) {
	if !h.IsActive() {
		return nil, ErrInactive
	}
	hostPort, workerPort := transport.Ports()
	opts := h.transportOptions()
	hostSide, err := transport.PortBridge(hostPort, bridge.RoleServer, contract, opts)
	if err != nil {
		return nil, err
	}
	workerSide, err := transport.PortBridge(workerPort, bridge.RoleClient, contract, opts)
	if err != nil {
		hostSide.End("worker setup failed")
		return nil, err
	}
	hostSide.OnEnd(func(error) { workerSide.End("host side ended") })

	serve(workerSide)
	go func() {
		if err := workerSide.Handshake(h.ctx, bridge.HandshakeOptions{Timeout: h.cfg.HandshakeTimeout}); err != nil {
			workerSide.EndWithError(err)
		}
	}()
	c, err := h.Adopt(hostSide, "port", nil)
	if err != nil {
		return nil, err
	}
	h.hub.Join(WorkerGroup, c.ID)
	return c, nil
}

// Worker returns the next worker in round-robin order.
func (h *Host) Worker() (*hub.Client, error) {
	if !h.IsActive() {
		return nil, ErrInactive
	}
	c := h.hub.Next(WorkerGroup)
	if c == nil {
		return nil, errors.New("no workers connected")
	}
	return c, nil
}
