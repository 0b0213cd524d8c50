package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"g13lab/internal/domain"
)

// Commands below are queued in the database; the running lab applies them
// on its next risk check and records the result.

func newRiskCmd(opts *rootOptions) *cobra.Command {
	risk := &cobra.Command{
		Use:   "risk",
		Short: "Queue risk governor commands for the running lab",
	}
	risk.AddCommand(
		&cobra.Command{
			Use:   "reset",
			Short: "Clear the emergency stop and rebase drawdown on current equity",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return enqueue(cmd, opts, &domain.OperatorCommand{Kind: domain.CommandResetEmergency})
			},
		},
		newResumeCmd(opts),
		newLimitsCmd(opts),
	)
	return risk
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Lift the loss suspension of an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return fmt.Errorf("missing --agent")
			}
			return enqueue(cmd, opts, &domain.OperatorCommand{Kind: domain.CommandResumeAgent, AgentID: agent})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID")
	return cmd
}

func newLimitsCmd(opts *rootOptions) *cobra.Command {
	var (
		maxDrawdown, warnDrawdown, dailyLoss float64
		maxOpen                              int
		forceClose                           bool
		agentLoss                            map[string]string
	)
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Change risk limits; only the flags given are changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := changed(cmd)
			p.set("max-drawdown-pct", "max_drawdown_pct", maxDrawdown)
			p.set("warn-drawdown-pct", "warn_drawdown_pct", warnDrawdown)
			p.set("max-daily-loss-pct", "max_daily_loss_pct", dailyLoss)
			p.set("max-open-positions", "max_open_positions", maxOpen)
			p.set("force-close-on-halt", "force_close_on_halt", forceClose)
			if len(agentLoss) > 0 {
				losses := make(map[string]float64, len(agentLoss))
				for id, raw := range agentLoss {
					pct, err := strconv.ParseFloat(raw, 64)
					if err != nil {
						return fmt.Errorf("invalid --agent-max-loss-pct for %s: %w", id, err)
					}
					losses[id] = pct
				}
				p.fields["agent_max_loss_pct"] = losses
			}
			payload, err := p.encode("limits")
			if err != nil {
				return err
			}
			return enqueue(cmd, opts, &domain.OperatorCommand{Kind: domain.CommandUpdateLimits, Payload: payload})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&maxDrawdown, "max-drawdown-pct", 0, "drawdown that halts the lab")
	f.Float64Var(&warnDrawdown, "warn-drawdown-pct", 0, "drawdown that raises a warning")
	f.Float64Var(&dailyLoss, "max-daily-loss-pct", 0, "daily loss that halts the lab")
	f.IntVar(&maxOpen, "max-open-positions", 0, "open positions across all agents")
	f.BoolVar(&forceClose, "force-close-on-halt", false, "close all positions on halt")
	f.StringToStringVar(&agentLoss, "agent-max-loss-pct", nil, "per-agent loss limit, e.g. fibo-618=3.5")
	return cmd
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Queue agent configuration commands for the running lab",
	}
	agent.AddCommand(newAgentSetCmd(opts))
	return agent
}

func newAgentSetCmd(opts *rootOptions) *cobra.Command {
	var (
		id      string
		enabled bool
		maxOpen int
		floats  = map[string]*float64{}
	)
	floatFlags := []struct{ flag, key, usage string }{
		{"fibo-tolerance-pct", "fibo_tolerance_pct", "Fibonacci level tolerance"},
		{"position-size-pct", "position_size_pct", "position size as % of capital"},
		{"tp-pct", "tp_pct", "take profit distance"},
		{"sl-pct", "sl_pct", "stop loss distance"},
		{"trailing-start-pct", "trailing_start_pct", "profit that arms the trailing stop"},
		{"trailing-distance-pct", "trailing_distance_pct", "trailing stop distance"},
		{"break-even-pct", "break_even_pct", "profit that moves the stop to entry"},
		{"max-spread-points", "max_spread_points", "widest spread accepted at entry"},
	}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change agent parameters; only the flags given are changed",
		Long: `Change agent parameters; only the flags given are changed.
TP/SL changes also move the targets of the agent's open positions unless
that would loosen a stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing --agent")
			}
			p := changed(cmd)
			p.set("enabled", "enabled", enabled)
			p.set("max-open-positions", "max_open_positions", maxOpen)
			for _, ff := range floatFlags {
				p.set(ff.flag, ff.key, *floats[ff.flag])
			}
			payload, err := p.encode("agent parameters")
			if err != nil {
				return err
			}
			return enqueue(cmd, opts, &domain.OperatorCommand{Kind: domain.CommandUpdateAgent, AgentID: id, Payload: payload})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "agent", "", "agent ID")
	f.BoolVar(&enabled, "enabled", true, "whether the agent trades")
	f.IntVar(&maxOpen, "max-open-positions", 0, "open positions for this agent")
	for _, ff := range floatFlags {
		floats[ff.flag] = f.Float64(ff.flag, 0, ff.usage)
	}
	return cmd
}

func newCommandsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List queued operator commands and their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			cmds, err := repo.FindCommands(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tKIND\tAGENT\tPAYLOAD\tRESULT")
			for _, c := range cmds {
				result := c.Result
				if c.Pending() {
					result = "pending"
				}
				agent := c.AgentID
				if agent == "" {
					agent = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.CreatedAt.UTC().Format(time.RFC3339), c.Kind, agent, c.Payload, result)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of commands to show")
	return cmd
}

// changedFields collects the flags the operator actually gave.
type changedFields struct {
	cmd    *cobra.Command
	fields map[string]interface{}
}

func changed(cmd *cobra.Command) *changedFields {
	return &changedFields{cmd: cmd, fields: make(map[string]interface{})}
}

func (c *changedFields) set(flag, key string, value interface{}) {
	if c.cmd.Flags().Changed(flag) {
		c.fields[key] = value
	}
}

func (c *changedFields) encode(what string) (string, error) {
	if len(c.fields) == 0 {
		return "", fmt.Errorf("no %s given", what)
	}
	b, err := json.Marshal(c.fields)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", what, err)
	}
	return string(b), nil
}

func enqueue(cmd *cobra.Command, opts *rootOptions, c *domain.OperatorCommand) error {
	repo, err := opts.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	c.CreatedAt = time.Now()
	id, err := repo.EnqueueCommand(cmd.Context(), c)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s command %d; the running lab applies it on its next risk check\n", c.Kind, id)
	return nil
}
