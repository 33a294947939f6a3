// Command collisiongen produces collision log files for the --collision
// FILE test-harness flag: ASCII `<uint>\t<uint>` lines of a key and a
// seed, each line a key the default hash function sends to bucket 0 (a
// deliberate worst-case burst into a single bucket). Three subcommands
// mirror the three original generator tools: random, sequential, and
// sequential-split (the split-ordered list's own simple "key mod
// nbuckets" variant, which the default mixed hash doesn't apply to).
//
// Grounded on the turbo/stages/headerdownload tipLimiter
// pattern for "keep a deduplicated, sorted set of candidates" via
// github.com/petar/GoLLRB, generalized from cumulative-difficulty-ordered
// chain tips to hash-ordered collision keys.
package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"

	"github.com/petar/GoLLRB/llrb"
	"github.com/spf13/cobra"

	"github.com/ledgerwatch/dhash/hashtab"
)

// reservedWorkerKeys mirrors the original generators' elperworker*nthreads
// guard band: keys a collision log might otherwise pick are skipped if
// they fall in the range real perftest workers already use, so injected
// collision keys never collide with legitimate worker keys.
const reservedWorkerKeys = 10000000 * 48

type keyItem uint64

func (a keyItem) Less(b llrb.Item) bool { return a < b.(keyItem) }

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collisiongen",
		Short: "Generate collision log files that target bucket 0",
	}
	cmd.AddCommand(randomCmd(), sequentialCmd(), sequentialSplitCmd())
	return cmd
}

func randomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "random SIZE BUCKET_SIZE",
		Short: "Random keys whose default hash maps to bucket 0",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, bucketSize, err := parseTwo(args)
			if err != nil {
				return err
			}
			tree := llrb.New()
			rng := rand.New(rand.NewSource(1))
			for i := 0; i < size; i++ {
				key := uint64(rng.Int63())
				if key < reservedWorkerKeys {
					continue
				}
				if hashtab.DefaultHash(key, 0)%uint32(bucketSize) != 0 {
					continue
				}
				tree.ReplaceOrInsert(keyItem(key))
			}
			return writeKeysOnly(fmt.Sprintf("collision_log_random_%d_%d", size, bucketSize), tree)
		},
	}
}

func sequentialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sequential SIZE SEED_RANGE BUCKET_SIZE",
		Short: "Sequential keys plus the smallest seed (0..SEED_RANGE-1) that maps them to bucket 0",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, seedRange, bucketSize, err := parseThree(args)
			if err != nil {
				return err
			}
			if seedRange < 1 || seedRange > 16 {
				return fmt.Errorf("seed_range must be in 1..16, got %d", seedRange)
			}
			pairs := make(map[uint64]uint64, size)
			for i := 0; i < size; i++ {
				key := uint64(reservedWorkerKeys + i)
				for s := 0; s < seedRange; s++ {
					if hashtab.DefaultHash(key, uint64(s))%uint32(bucketSize) == 0 {
						pairs[key] = uint64(s)
						break
					}
				}
			}
			return writePairs(fmt.Sprintf("collision_log_sequential_%d_%d", size, bucketSize), pairs)
		},
	}
}

func sequentialSplitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sequential-split SIZE BUCKET_SIZE",
		Short: "Deterministic (b*i, i mod b) key/seed pairs for the split-ordered variant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, bucketSize, err := parseTwo(args)
			if err != nil {
				return err
			}
			minBarrier := reservedWorkerKeys / bucketSize
			pairs := make(map[uint64]uint64, size)
			for i := 0; i < size; i++ {
				data := uint64(minBarrier+1+i) * uint64(bucketSize)
				pairs[data] = uint64(minBarrier+1+i) % uint64(bucketSize)
			}
			return writePairs(fmt.Sprintf("collision_log_sequential_split_%d_%d", size, bucketSize), pairs)
		},
	}
}

func parseTwo(args []string) (a, b int, err error) {
	a, err = parseInt(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err = parseInt(args[1])
	return a, b, err
}

func parseThree(args []string) (a, b, c int, err error) {
	a, err = parseInt(args[0])
	if err != nil {
		return 0, 0, 0, err
	}
	b, err = parseInt(args[1])
	if err != nil {
		return 0, 0, 0, err
	}
	c, err = parseInt(args[2])
	return a, b, c, err
}

func parseInt(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, fmt.Errorf("parsing %q as int: %w", s, err)
	}
	return v, nil
}

// writeKeysOnly drains tree in ascending order, writing `<key>\t0` lines —
// the random generator's seed column is always 0 (no per-key seed search).
func writeKeysOnly(path string, tree *llrb.LLRB) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	tree.AscendGreaterOrEqual(keyItem(0), func(item llrb.Item) bool {
		fmt.Fprintf(w, "%d\t0\n", uint64(item.(keyItem)))
		return true
	})
	return w.Flush()
}

// writePairs sorts pairs by key through an LLRB tree before writing, then
// emits `<key>\t<seed>` lines.
func writePairs(path string, pairs map[uint64]uint64) error {
	tree := llrb.New()
	for k := range pairs {
		tree.ReplaceOrInsert(keyItem(k))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	tree.AscendGreaterOrEqual(keyItem(0), func(item llrb.Item) bool {
		k := uint64(item.(keyItem))
		fmt.Fprintf(w, "%d\t%d\n", k, pairs[k])
		return true
	})
	return w.Flush()
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
