// Command clustersync runs the pieces of a render cluster: a render server
// (serve), the ready daemon (daemon) and a coordinator that drives the
// servers (drive).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/clustersync/session"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitCodeExitRequested is the status when the coordinator sent Exit.
const exitCodeExitRequested = 3

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if session.IsExit(err) {
			os.Exit(exitCodeExitRequested)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "clustersync",
		Short: "Frame-synchronized rendering across a cluster of nodes",
		Long: `clustersync keeps the camera of several render nodes in lockstep.

A coordinator streams the camera rig pose to every render server each
frame. In synchronized mode the servers only swap buffers once the
coordinator has seen every server ready.

Configuration comes from defaults, CLUSTER_* environment variables
(optionally read from a .env file) and flags, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().StringVar(&opts.node, "node", "", "Node name (default from CLUSTER_NODE_NAME)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Directory for daily log files")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	rootCmd.AddCommand(
		serveCmd(opts),
		daemonCmd(opts),
		driveCmd(opts),
		versionCmd(),
	)

	return rootCmd
}
