package main

import (
	"encoding/json"
	"fmt"

	"vidqueue/config"
	"vidqueue/store"

	"github.com/spf13/cobra"
)

// newStateCommand prints the persisted snapshot without starting the scheduler.
func newStateCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the saved queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			backend, err := store.OpenReadOnly(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer backend.Close()

			snap, err := backend.Load(cmd.Context())
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved state")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
