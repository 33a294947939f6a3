// Command pcttest runs the same worker pool as perftest but reports
// whether the observed insert/delete/lookup mix matches the requested
// --percentage split, instead of throughput — a correctness check on the
// harness's own op-mix dispatch rather than on dhash itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerwatch/dhash/internal/bench"
)

func main() {
	var cfg *bench.Config
	var finalize func() error

	rootCmd := &cobra.Command{
		Use:   "pcttest",
		Short: "Verify dhash's worker harness reproduces the requested op-mix percentages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := finalize(); err != nil {
				return err
			}
			cfg.Mode = bench.ModePct

			res, err := bench.Run(*cfg)
			if err != nil {
				return err
			}

			total := res.Inserts + res.InsertFails + res.Deletes + res.DeleteFails + res.Lookups
			if total == 0 {
				return fmt.Errorf("no operations completed in %s", cfg.ProgName)
			}
			actualI := 100 * float64(res.Inserts+res.InsertFails) / float64(total)
			actualD := 100 * float64(res.Deletes+res.DeleteFails) / float64(total)
			actualL := 100 * float64(res.Lookups) / float64(total)

			fmt.Printf("requested I=%d D=%d L=%d -- observed I=%.1f%% D=%.1f%% L=%.1f%% (n=%d)\n",
				cfg.PercentInsert, cfg.PercentDelete, cfg.PercentLookup, actualI, actualD, actualL, total)
			return nil
		},
	}
	cfg, finalize = bench.RegisterFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
