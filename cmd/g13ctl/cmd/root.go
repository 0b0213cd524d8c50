// Package cmd holds the g13ctl operator commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"g13lab/internal/adapters/logger"
	"g13lab/internal/adapters/sqlite"
	"g13lab/internal/ports"
)

type rootOptions struct {
	dbPath   string
	logLevel string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "g13ctl",
		Short: "Operator tools for the G13 trading lab",
		Long: `g13ctl inspects the lab archive, prepares data and queues operator
commands for the running lab.

  report       strategist analysis of the closed-trade archive
  sessions     session history with start/end balance
  adjustments  parameter changes applied by the adjuster
  klines       export Binance futures klines to CSV
  risk         reset the emergency stop, resume an agent, change limits
  agent        change agent parameters
  commands     queued operator commands and their results`,
		SilenceUsage: true,
	}

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/g13lab.db"
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDB, "path to the lab sqlite database")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "WARN", "log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newReportCmd(opts),
		newSessionsCmd(opts),
		newAdjustmentsCmd(opts),
		newKlinesCmd(opts),
		newRiskCmd(opts),
		newAgentCmd(opts),
		newCommandsCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *rootOptions) logger() ports.Logger {
	return logger.NewWriterLogger(os.Stderr, logger.ParseLevel(o.logLevel))
}

func (o *rootOptions) openRepo() (*sqlite.Repository, error) {
	return sqlite.NewRepository(sqlite.Config{DBPath: o.dbPath, Logger: o.logger()})
}
