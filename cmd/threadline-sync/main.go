// Command threadline-sync is a thin operational CLI over internal/sdk,
// grounded on cmd/bd's cobra command tree: it exercises the SdkClient's
// public surface (connect, tail normalized events, inspect resumable
// state) without pulling in the full ordered-application pipeline
// (internal/syncengine, internal/bucketengine) a real embedding
// application would own instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/threadline/syncclient/internal/config"
	"github.com/threadline/syncclient/internal/debug"
)

var (
	flagAddr     string
	flagToken    string
	flagStateDir string
	flagVerbose  bool
	flagQuiet    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadline-sync",
		Short:         "Drive the threadline chat sync engine from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Initialize(); err != nil {
				return err
			}
			debug.SetVerbose(flagVerbose)
			debug.SetQuiet(flagQuiet)
			if flagAddr == "" {
				flagAddr = config.DaemonHost()
			}
			if flagToken == "" {
				flagToken = config.DaemonToken()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "sync server address (host:port); defaults to THREADLINE_DAEMON_HOST")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token; defaults to THREADLINE_DAEMON_TOKEN")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", defaultStateDir(), "directory for resumable exportState + audit log")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	root.AddCommand(newConnectCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newExportStateCmd())

	return root
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".threadline-sync"
	}
	return home + "/.threadline-sync"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "threadline-sync: %v\n", err)
		os.Exit(1)
	}
}

// ctx returns the process-lifetime context each command runs under; a
// dedicated helper keeps command bodies free of boilerplate while leaving
// room for a future signal-driven cancellation without touching every
// command.
func ctx() context.Context {
	return context.Background()
}
