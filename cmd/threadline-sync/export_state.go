package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newExportStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-state",
		Short: "Connect, then print the SdkClient's resumable exportState document",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.Connect(ctx()); err != nil {
				return err
			}
			defer client.Close(ctx())

			state := client.ExportState()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(state); err != nil {
				return fmt.Errorf("encode state: %w", err)
			}
			return nil
		},
	}
}
