package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect and report a summary of the current SdkClient state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			connectErr := client.Connect(ctx())
			defer client.Close(ctx())

			fmt.Printf("addr:        %s\n", flagAddr)
			if connectErr != nil {
				fmt.Printf("connection:  failed (%v)\n", connectErr)
				return nil
			}
			fmt.Println("connection:  open")

			state := client.ExportState()
			fmt.Printf("dateCursor:  %d\n", state.DateCursor)
			fmt.Printf("lastSyncDate: %d\n", state.LastSyncDate)
			fmt.Printf("tracked chats: %d\n", len(state.LastSeqByChatID))
			return nil
		},
	}
}
