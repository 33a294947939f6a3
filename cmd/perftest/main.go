// Command perftest is the throughput test harness: it runs the worker
// pool in internal/bench and reports operations/sec. Its flags are bound by
// bench.RegisterFlags onto a single cobra.Command built in main.
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
		Use:   "perftest",
		Short: "Measure dhash throughput under a configurable worker mix",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := finalize(); err != nil {
				return err
			}
			cfg.Mode = bench.ModePerf

			res, err := bench.Run(*cfg)
			if err != nil {
				return err
			}
			fmt.Printf("elapsed=%s ops/sec=%.0f inserts=%d(%d failed) deletes=%d(%d failed) lookups=%d(%d hit) rebuilds=%d final_nbuckets=%d\n",
				res.Elapsed, res.OpsPerSec(),
				res.Inserts, res.InsertFails,
				res.Deletes, res.DeleteFails,
				res.Lookups, res.LookupHits,
				res.RebuildsTriggered, res.FinalNBuckets,
			)
			return nil
		},
	}
	cfg, finalize = bench.RegisterFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
