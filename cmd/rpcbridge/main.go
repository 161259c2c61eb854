// Command rpcbridge runs a coordinator with worker processes and talks to it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/rpc/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	codec      string
	debug      bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "rpcbridge",
		Short:         "Typed RPC coordinator, workers and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&g.codec, "codec", "", "value codec: json or msgpack")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "debug logging")

	cmd.AddCommand(newServeCmd(&g))
	cmd.AddCommand(newCallCmd(&g))
	cmd.AddCommand(newWorkerCmd(&g))

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }
	return cmd
}

// load reads the config file when given, else the environment, then applies
// the global flags.
func (g *globalFlags) load() (*config.BridgeConfig, error) {
	var (
		cfg *config.BridgeConfig
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if g.codec != "" {
		cfg.Codec = g.codec
	}
	return cfg, cfg.Validate()
}

// logger writes to stderr, which stays free in worker mode where stdout
// carries the protocol.
func (g *globalFlags) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if g.debug || strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
