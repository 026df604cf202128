package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/casefill/internal/observability"
	"github.com/xkilldash9x/casefill/internal/store"
)

// newResetCmd clears the persisted session. It is the offline counterpart of the reset
// message and is meant for when serve is not running.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the persisted filling session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store(), observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open session store: %w", err)
			}
			defer st.Close()

			if err := st.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear session: %w", err)
			}
			cmd.Println("Session cleared.")
			return nil
		},
	}
}
