// Command entityd runs a CRDT entity node. It serves the entity protocol over
// HTTP and replicates entity state to the configured peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mgudmund/cloudstate/pkg/config"
	"github.com/mgudmund/cloudstate/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "entityd",
		Short:         "Run a replicated CRDT entity node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file; CLOUDSTATE_* environment variables override it")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: listen %s, %d peer(s)\n",
				cfg.HTTP.ListenAddr, len(cfg.Replication.Peers))
			return err
		},
	}

	root.AddCommand(serveCmd, validateCmd)
	return root
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	n, err := newNode(cfg, logger, cartHandlers())
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	return n.run(ctx)
}
