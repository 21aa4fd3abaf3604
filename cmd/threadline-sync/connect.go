package main

import (
	"github.com/spf13/cobra"

	"github.com/threadline/syncclient/internal/debug"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open a connection to the sync server and report handshake completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.Connect(ctx()); err != nil {
				return err
			}
			debug.PrintNormal("connected to %s\n", flagAddr)
			return client.Close(ctx())
		},
	}
}
