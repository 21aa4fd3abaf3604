package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadline/syncclient/internal/debug"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Connect and tail normalized inbound events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.Connect(ctx()); err != nil {
				return err
			}
			defer client.Close(ctx())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			debug.PrintNormal("tailing events from %s (ctrl-c to stop)\n", flagAddr)
			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case ev, ok := <-client.Events():
					if !ok {
						return nil
					}
					if err := enc.Encode(ev); err != nil {
						fmt.Fprintf(os.Stderr, "threadline-sync: encode event: %v\n", err)
					}
				case <-sigCh:
					return nil
				}
			}
		},
	}
}
