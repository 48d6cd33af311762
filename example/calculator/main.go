// Command calculator is an MCP calculator. The server subcommand serves arithmetic tools and a
// few resources on any transport selector; the client subcommand connects to one and exercises
// every tool.
//
// Configuration comes from MCP_TRANSPORT, MCP_RESOURCE_MANIFEST and MCP_LOG_LEVEL, overridden by
// the matching flags.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		newLogger("error").Error(err.Error())
		os.Exit(1)
	}

	if err := newRootCmd(&cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "calculator",
		Short:        "MCP calculator server and client",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfg.Transport, "transport", "t", cfg.Transport,
		"Transport selector (stdio://stdout-stdin, sse://host:port or tcp://host:port)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the calculator tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg, newLogger(cfg.LogLevel))
		},
	}
	serverCmd.Flags().StringVarP(&cfg.Manifest, "manifest", "m", cfg.Manifest, "YAML file listing extra resources")

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a calculator and call every tool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, *cfg, newLogger(cfg.LogLevel), cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(serverCmd, clientCmd)
	return rootCmd
}
