package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAdjustmentsCmd(opts *rootOptions) *cobra.Command {
	var (
		agent string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "adjustments",
		Short: "List parameter adjustments for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return fmt.Errorf("missing --agent")
			}
			repo, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			adjs, err := repo.FindAdjustments(cmd.Context(), agent, time.Now().Add(-since))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "APPLIED\tPARAM\tOLD\tNEW\tREASON")
			for _, a := range adjs {
				fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%s\n", a.AppliedAt.UTC().Format(time.RFC3339), a.Param, a.OldValue, a.NewValue, a.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
