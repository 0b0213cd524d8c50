package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List lab sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			sessions, err := repo.FindSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tENDED\tBALANCE_START\tBALANCE_END\tPROFIT\tTRADES")
			for _, s := range sessions {
				ended := "running"
				end := "-"
				profit := "-"
				if !s.EndedAt.IsZero() {
					ended = s.EndedAt.UTC().Format(time.RFC3339)
					end = fmt.Sprintf("%.2f", s.BalanceEnd)
					profit = fmt.Sprintf("%.2f", s.Profit)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\t%d\n",
					s.ID, s.StartedAt.UTC().Format(time.RFC3339), ended, s.BalanceStart, end, profit, s.Trades)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list (0 for all)")
	return cmd
}
