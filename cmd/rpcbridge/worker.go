package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/transport"
)

func newWorkerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve work for a coordinator over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			opts := cfg.TransportOptions()
			opts.Logger = g.logger().With().Int("pid", os.Getpid()).Logger()

			wc := newWorkerContract()
			b, err := transport.Stdio(os.Stdin, os.Stdout, bridge.RoleClient, wc.Contract, opts)
			if err != nil {
				return err
			}
			serveWork(wc, b, os.Getpid())
			if err := b.Handshake(cmd.Context(), bridge.HandshakeOptions{Timeout: cfg.HandshakeTimeout}); err != nil {
				return err
			}
			<-b.Done()
			return nil
		},
	}
}

// serveWork subscribes the worker side of the process event.
func serveWork(wc workerContract, b *bridge.Bridge, id int) {
	_, _ = wc.process.On(b).Subscribe(func(_ context.Context, req ProcessRequest) (ProcessResult, error) {
		return ProcessResult{
			Upper:  strings.ToUpper(req.Text),
			Words:  len(strings.Fields(req.Text)),
			Worker: id,
		}, nil
	})
}
