// Command kvnode starts one peer process of the replicated key-value
// cluster. It accepts a single required positional argument, the node's
// identity (its listen port); flags only supply the cluster config path, the
// snapshot directory and the log level, and never change core behavior.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/you/kvcluster/internal/kv"
	"github.com/you/kvcluster/internal/kvlog"
)

func main() {
	root := &cobra.Command{
		Use:           "kvnode",
		Short:         "Run a node of the replicated key-value cluster",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start a node with the given identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid node id %q: %w", args[0], err)
			}

			logger, err := kvlog.Configure(logLevel)
			if err != nil {
				return err
			}

			cluster, err := kv.LoadCluster(configPath)
			if err != nil {
				return err
			}

			node, err := kv.NewNode(id, cluster, dataDir, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return node.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the cluster config YAML (defaults to the built-in 3-node cluster)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "data", "directory for this node's persisted snapshot")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	return cmd
}
