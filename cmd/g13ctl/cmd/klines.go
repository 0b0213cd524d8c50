package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"g13lab/internal/adapters/binanceclient"
	"g13lab/internal/utils"
)

func newKlinesCmd(opts *rootOptions) *cobra.Command {
	var (
		symbol   string
		interval string
		fromStr  string
		toStr    string
		days     int
		outPath  string
		testnet  bool
	)
	cmd := &cobra.Command{
		Use:   "klines",
		Short: "Download Binance futures klines and write CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if symbol == "" {
				return fmt.Errorf("missing --symbol (e.g. ETHUSDT)")
			}

			end := time.Now().UTC()
			if toStr != "" {
				t, err := time.Parse(time.RFC3339, toStr)
				if err != nil {
					return fmt.Errorf("bad --to: %w", err)
				}
				end = t
			}
			start := end.AddDate(0, 0, -days)
			if fromStr != "" {
				t, err := time.Parse(time.RFC3339, fromStr)
				if err != nil {
					return fmt.Errorf("bad --from: %w", err)
				}
				start = t
			}
			if !start.Before(end) {
				return fmt.Errorf("--from must be before --to")
			}

			client, err := binanceclient.New(binanceclient.Config{UseTestnet: testnet, Logger: opts.logger()})
			if err != nil {
				return err
			}
			klines, err := client.GetKlinesRange(ctx, symbol, interval, start, end)
			if err != nil {
				return fmt.Errorf("fetch klines: %w", err)
			}

			if outPath == "" {
				outPath = fmt.Sprintf("data/%s_%s_%s_to_%s.csv", symbol, interval, start.Format("20060102"), end.Format("20060102"))
			}
			if err := utils.WriteKlinesToCSV(klines, outPath); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d klines to %s\n", len(klines), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "futures symbol")
	cmd.Flags().StringVar(&interval, "interval", "1m", "kline interval")
	cmd.Flags().StringVar(&fromStr, "from", "", "start time, RFC3339 (default: --days before --to)")
	cmd.Flags().StringVar(&toStr, "to", "", "end time, RFC3339 (default: now)")
	cmd.Flags().IntVar(&days, "days", 90, "days of history when --from is not set")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default: data/<symbol>_<interval>_<from>_to_<to>.csv)")
	cmd.Flags().BoolVar(&testnet, "testnet", false, "use the futures testnet")
	return cmd
}
