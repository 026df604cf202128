package cmd

import (
	"fmt"
	"io"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/observability"
	"github.com/xkilldash9x/casefill/internal/store"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted filling session",
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

			state, err := st.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state.Status())
			}
			printStatus(cmd.OutOrStdout(), state)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return statusCmd
}

func printStatus(w io.Writer, s schemas.SessionState) {
	st := s.Status()
	fmt.Fprintf(w, "State:      %s\n", st.State)
	if st.FormCode != "" {
		fmt.Fprintf(w, "Form:       %s\n", st.FormCode)
	}
	if s.DashboardTab != "" {
		fmt.Fprintf(w, "Dashboard:  %s\n", s.DashboardTab)
	}
	if st.TargetTab != "" {
		fmt.Fprintf(w, "Target tab: %s\n", st.TargetTab)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", st.Error)
	}
	if p := st.LastProgress; p != nil {
		fmt.Fprintf(w, "Progress:   %s\n", describeProgress(*p))
	}
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:    %s\n", s.UpdatedAt.Local().Format(time.RFC1123))
	}
}

func describeProgress(p schemas.ProgressEvent) string {
	switch {
	case p.Summary != nil:
		return fmt.Sprintf("%d filled, %d skipped, %d failed in %d round(s)", p.Summary.Filled, p.Summary.Skipped, p.Summary.Failed, p.Summary.Rounds)
	case p.Field != nil:
		if p.Field.Reason != "" {
			return fmt.Sprintf("%s %s (%s)", p.Field.FieldPath, p.Field.Outcome, p.Field.Reason)
		}
		return fmt.Sprintf("%s %s", p.Field.FieldPath, p.Field.Outcome)
	case p.Status != nil:
		if p.Status.Message != "" {
			return p.Status.Message
		}
		return p.Status.Phase
	}
	return string(p.Kind)
}
