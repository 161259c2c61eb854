package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/rpc/config"
	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/transport"
)

type callFlags struct {
	via     string
	addr    string
	timeout time.Duration
}

func newCallCmd(g *globalFlags) *cobra.Command {
	var f callFlags
	cmd := &cobra.Command{
		Use:       "call greet|status|process [args...]",
		Short:     "Call an event on a running coordinator",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"greet", "status", "process"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			opts := cfg.TransportOptions()
			opts.Logger = g.logger()
			cc := newCoordinatorContract()
			b, err := dial(ctx, cfg, f, cc.Contract, opts)
			if err != nil {
				return err
			}
			defer b.End("call finished")
			if err := b.Handshake(ctx, bridge.HandshakeOptions{}); err != nil {
				return err
			}

			out, err := invoke(ctx, cc, b, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&f.via, "via", "unix", "transport: unix, tcp, websocket, quic or redis")
	cmd.Flags().StringVar(&f.addr, "addr", "", "coordinator address, defaults to the configured one")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "overall call timeout")
	return cmd
}

func invoke(ctx context.Context, cc coordinatorContract, b *bridge.Bridge, event, arg string) (any, error) {
	switch event {
	case "greet":
		if arg == "" {
			arg, _ = os.Hostname()
		}
		return cc.greet.Call(ctx, b, arg)
	case "status":
		return cc.status.Call(ctx, b, struct{}{})
	case "process":
		return cc.process.Call(ctx, b, ProcessRequest{Text: arg})
	default:
		return nil, fmt.Errorf("unknown event %q", event)
	}
}

func dial(ctx context.Context, cfg *config.BridgeConfig, f callFlags, contract *bridge.Contract, opts transport.Options) (*bridge.Bridge, error) {
	addr := func(def string) string {
		if f.addr != "" {
			return f.addr
		}
		return def
	}
	var d net.Dialer
	switch f.via {
	case "unix", "tcp":
		target := addr(cfg.SocketPath)
		if f.via == "tcp" {
			target = addr(cfg.TCPAddr)
		}
		conn, err := d.DialContext(ctx, f.via, target)
		if err != nil {
			return nil, err
		}
		return transport.Stream(conn, bridge.RoleClient, contract, opts)
	case "websocket":
		return transport.DialWebSocket(ctx, "ws://"+addr(cfg.WebSocketAddr)+"/ws", contract, opts)
	case "quic":
		return transport.DialQUIC(ctx, addr(cfg.QUICAddr), &tls.Config{InsecureSkipVerify: true}, contract, opts)
	case "redis":
		if cfg.Redis == nil {
			cfg.Redis = config.DefaultRedisConfig()
		}
		client, err := cfg.Redis.Client()
		if err != nil {
			return nil, err
		}
		b, err := transport.DialRedis(ctx, client, cfg.Redis.Prefix, contract, opts)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.OnEnd(func(error) { _ = client.Close() })
		return b, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", f.via)
	}
}
