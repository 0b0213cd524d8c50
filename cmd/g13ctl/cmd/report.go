package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"g13lab/internal/strategist"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var (
		agents  []string
		window  int
		monthly bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Analyze closed trades per agent and print suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			if len(agents) == 0 {
				trades, err := repo.FindClosedTrades(ctx, "", 0)
				if err != nil {
					return err
				}
				seen := make(map[string]bool)
				for _, t := range trades {
					if !seen[t.AgentID] {
						seen[t.AgentID] = true
						agents = append(agents, t.AgentID)
					}
				}
				sort.Strings(agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no closed trades")
				return nil
			}

			s, err := strategist.New(strategist.Config{Archive: repo, Logger: opts.logger(), TradeWindow: window})
			if err != nil {
				return err
			}
			reports, err := s.AnalyzeAll(ctx, agents)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tTRADES\tWIN%\tPF\tPROFIT\tEVALUATION\tSUGGESTIONS")
			for _, r := range reports {
				m := r.Metrics
				var sug []string
				for _, sg := range r.Suggestions {
					sug = append(sug, string(sg.Type))
				}
				fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.2f\t%.2f\t%s\t%s\n",
					r.AgentID, m.TotalTrades, m.WinRate, m.ProfitFactor, m.TotalProfit, r.Evaluation, strings.Join(sug, ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if monthly {
				fmt.Fprintln(out)
				tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "AGENT\tMONTH\tPROFIT")
				for _, r := range reports {
					for _, mr := range r.Metrics.GetMonthlyReturns() {
						fmt.Fprintf(tw, "%s\t%s\t%.2f\n", r.AgentID, mr.Month.Format("2006-01"), mr.Return)
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			sum := strategist.Summarize(reports)
			fmt.Fprintf(out, "\ntotal trades %d, profit %.2f, win rate %.1f%%", sum.TotalTrades, sum.TotalProfit, sum.WinRate)
			if sum.HasData {
				fmt.Fprintf(out, ", best %s, worst %s", sum.BestAgent, sum.WorstAgent)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "agent IDs to analyze (default: every agent in the archive)")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "also print profit per calendar month")
	cmd.Flags().IntVar(&window, "window", 0, "most recent trades per agent (default 50)")
	return cmd
}
