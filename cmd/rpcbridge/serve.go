package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/rpc/config"
	"github.com/orchestra-mcp/rpc/providers"
	"github.com/orchestra-mcp/rpc/src/bridge"
)

type serveFlags struct {
	socket  string
	tcp     string
	ws      string
	quic    string
	workers int
	inproc  bool
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, f.inproc, g.logger())
		},
	}
	cmd.Flags().StringVar(&f.socket, "socket", "", "unix socket path")
	cmd.Flags().StringVar(&f.tcp, "tcp", "", "TCP listen address")
	cmd.Flags().StringVar(&f.ws, "ws", "", "web socket and info listen address")
	cmd.Flags().StringVar(&f.quic, "quic", "", "QUIC listen address")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "number of workers")
	cmd.Flags().BoolVar(&f.inproc, "inproc", false, "run workers in-process instead of as child processes")
	return cmd
}

func (f serveFlags) apply(cmd *cobra.Command, cfg *config.BridgeConfig) {
	if f.socket != "" {
		cfg.SocketPath = f.socket
	}
	if f.tcp != "" {
		cfg.TCPAddr = f.tcp
	}
	if f.ws != "" {
		cfg.WebSocketAddr = f.ws
	}
	if f.quic != "" {
		cfg.QUICAddr = f.quic
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = f.workers
	}
}

// coordinator serves the coordinator contract on every bridge a host accepts.
type coordinator struct {
	cc      coordinatorContract
	wc      workerContract
	host    *providers.Host
	started time.Time
}

func newCoordinator(cfg *config.BridgeConfig, logger zerolog.Logger) *coordinator {
	c := &coordinator{
		cc:      newCoordinatorContract(),
		wc:      newWorkerContract(),
		started: time.Now(),
	}
	c.host = providers.NewHost(c.cc.Contract, cfg, logger, c.setup)
	return c
}

func (c *coordinator) setup(b *bridge.Bridge) {
	_, _ = c.cc.greet.On(b).Subscribe(func(_ context.Context, name string) (string, error) {
		return "Hello, " + name, nil
	})
	_, _ = c.cc.status.On(b).Subscribe(func(context.Context, struct{}) (Status, error) {
		groups := c.host.Hub().Groups()
		return Status{
			Clients: c.host.Hub().ClientCount() - groups[providers.WorkerGroup],
			Workers: groups[providers.WorkerGroup],
			Groups:  groups,
			Uptime:  time.Since(c.started).Round(time.Second).String(),
		}, nil
	})
	_, _ = c.cc.process.On(b).Subscribe(func(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
		w, err := c.host.Worker()
		if err != nil {
			return ProcessResult{}, err
		}
		return c.wc.process.Call(ctx, w.Bridge, req)
	})
}

// startWorkers spawns n workers, as child processes of this executable or
// in-process on port pairs.
func (c *coordinator) startWorkers(n int, inproc bool, codecName string) error {
	exe, err := os.Executable()
	if err != nil && !inproc {
		return err
	}
	for i := 0; i < n; i++ {
		if inproc {
			id := i + 1
			if _, err := c.host.StartPortWorker(c.wc.Contract, func(b *bridge.Bridge) { serveWork(c.wc, b, id) }); err != nil {
				return fmt.Errorf("start worker %d: %w", id, err)
			}
			continue
		}
		cmd := exec.Command(exe, "worker", "--codec", codecName)
		if _, err := c.host.SpawnWorker(cmd, c.wc.Contract); err != nil {
			return fmt.Errorf("spawn worker %d: %w", i+1, err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.BridgeConfig, inproc bool, logger zerolog.Logger) error {
	c := newCoordinator(cfg, logger)
	if err := c.host.Activate(ctx); err != nil {
		return err
	}
	defer c.host.Deactivate()

	if err := c.startWorkers(cfg.Workers, inproc, cfg.Codec); err != nil {
		return err
	}
	logger.Info().
		Str("socket", cfg.SocketPath).
		Int("workers", cfg.Workers).
		Bool("inproc", inproc).
		Msg("coordinator serving")

	<-ctx.Done()
	return nil
}
