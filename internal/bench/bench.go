// Package bench implements the shared worker-pool harness behind
// cmd/perftest and cmd/pcttest: parallel worker goroutines that all run the
// same percentage-weighted op mix (each locked to its own OS thread when a
// CPU stride is set; no CPU affinity is applied), a resize thread, an
// optional collision thread, and latency sampling. Grounded on
// the eth/stagedsync loop-of-stages idiom generalized to "loop
// of percentage-weighted operations against a shared table for a fixed
// duration", with the worker-pool shape itself modeled on
// cmd/state/generate's fan-out-N-goroutines-join pattern.
package bench

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/ledgerwatch/dhash/hashtab"
	"github.com/ledgerwatch/dhash/httable"
	"github.com/ledgerwatch/dhash/internal/latency"
	"github.com/ledgerwatch/dhash/internal/logctx"
	"github.com/ledgerwatch/dhash/migrate"
	"github.com/ledgerwatch/dhash/rcu"
	"github.com/ledgerwatch/dhash/resize"
)

// Mode selects what a Run reports: perftest cares about throughput,
// pcttest cares about whether the observed op mix matches the requested
// percentages.
type Mode int

const (
	ModePerf Mode = iota
	ModePct
)

// Config collects every test-harness CLI flag (`--perftest`/`--pcttest`
// share this one struct; only the reporting differs).
type Config struct {
	Mode Mode

	Variant         httable.Variant
	NBuckets        uint32
	MaxNBuckets     uint32
	NReaders        int
	NUpdaters       int
	NWorkers        int // 0 means "derive from NReaders+NUpdaters"
	PercentInsert   int
	PercentDelete   int
	PercentLookup   int
	ElemsPerWriter  int
	Preinsert       int
	CPUStride       int
	ResizeDiv       uint32
	ResizeMult      uint32
	ResizeWaitMS    int
	NoRepeatResize  bool // --dont-repeatedly-resize
	MaxListLength   int64
	MinAvgLoadFact  float64
	UseJenkinsHash  bool // --jhash: selects the external-collaborator hash path (caller-supplied)
	ExternalHash    func(key, seed uint64) uint32
	Rebuild         bool // not passed to the resize driver: harness-triggered resizes always keep the seed
	CollisionFile   string
	DurationMS      int
	MeasureLatency  int // sample every Nth op; 0 disables
	RebuildThreads  int
	NegCacheSize    datasize.ByteSize // 0 disables the lookup-miss negative cache
	ProgName        string
}

// Result is what a Run produced, consumed by both cmd/perftest (throughput
// report) and cmd/pcttest (op-mix verification report).
type Result struct {
	Inserts, InsertFails   int64
	Deletes, DeleteFails   int64
	Lookups, LookupHits    int64
	Elapsed                time.Duration
	FinalNBuckets          uint32
	RebuildsTriggered      int64
}

// OpsPerSec is the usual perftest headline number.
func (r *Result) OpsPerSec() float64 {
	total := r.Inserts + r.Deletes + r.Lookups
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(total) / r.Elapsed.Seconds()
}

func cmpEqUint64(a, b uint64) bool { return a == b }
func getKeyIdentity(p interface{}) uint64 { return p.(uint64) }

// Run allocates a table per cfg, preinserts, starts the resize and
// collision threads, fans out cfg.NWorkers (or NReaders+NUpdaters) worker
// goroutines for cfg.DurationMS, then tears everything down and reports.
func Run(cfg Config) (*Result, error) {
	log := logctx.New("component", "bench", "mode", modeName(cfg.Mode))

	hashFn := hashtab.DefaultHash
	if cfg.UseJenkinsHash && cfg.ExternalHash != nil {
		hashFn = cfg.ExternalHash
	}
	capRec := httable.Capability{Hash: hashFn, Cmp: cmpEqUint64, GetKey: getKeyIdentity}

	domain := rcu.NewDomain()
	workers := cfg.NWorkers
	if workers == 0 {
		workers = cfg.NReaders + cfg.NUpdaters
	}
	if workers == 0 {
		workers = 1
	}
	slots := workers + cfg.RebuildThreads + 2
	hOpts := []hashtab.Option{hashtab.WithDCSSSlots(slots)}
	if cfg.NegCacheSize > 0 {
		hOpts = append(hOpts, hashtab.WithNegativeCache(int(cfg.NegCacheSize.Bytes())))
	}
	h := hashtab.Alloc(domain, cfg.Variant, cfg.NBuckets, capRec, hOpts...)

	for i := 0; i < cfg.Preinsert; i++ {
		if err := h.Add(0, uint64(i), uint64(i)); err != nil && err != hashtab.ErrExist {
			return nil, fmt.Errorf("preinsert key %d: %w", i, err)
		}
	}

	res := &Result{}

	var policy resize.Policy
	if cfg.NoRepeatResize {
		policy = &resize.ThresholdPolicy{
			MaxListLength:    cfg.MaxListLength,
			MinAvgLoadFactor: cfg.MinAvgLoadFact,
			Mult:             cfg.ResizeMult,
			Div:              cfg.ResizeDiv,
			MaxNBuckets:      cfg.MaxNBuckets,
		}
	} else if cfg.ResizeWaitMS > 0 {
		high := cfg.NBuckets * cfg.ResizeMult
		if cfg.MaxNBuckets > 0 && high > cfg.MaxNBuckets {
			high = cfg.MaxNBuckets
		}
		policy = resize.NewOscillatingPolicy(cfg.NBuckets, high)
	}

	var driver *resize.Driver
	stopResize := make(chan struct{})
	var resizeWG sync.WaitGroup
	if policy != nil && cfg.ResizeWaitMS > 0 {
		driver = resize.NewDriver(h, policy, time.Duration(cfg.ResizeWaitMS)*time.Millisecond, cfg.RebuildThreads)
		resizeWG.Add(1)
		go func() {
			defer resizeWG.Done()
			for {
				select {
				case <-stopResize:
					return
				default:
				}
				// Tick() waits on its own pacing limiter (at most one tick
				// per interval); a deadline-bounded context keeps a late tick from
				// outliving the harness's own duration budget.
				deadline := time.Duration(cfg.ResizeWaitMS) * time.Millisecond * 2
				ctx, cancel := context.WithTimeout(context.Background(), deadline)
				err := driver.Tick(ctx)
				cancel()
				if err != nil && err != migrate.ErrBusy {
					log.Error("resize tick failed", "err", err)
					return
				}
				if err == nil {
					atomic.AddInt64(&res.RebuildsTriggered, 1)
				}
			}
		}()
	}

	stopCollision := make(chan struct{})
	var collisionWG sync.WaitGroup
	if cfg.CollisionFile != "" {
		collisionWG.Add(1)
		go func() {
			defer collisionWG.Done()
			if err := runCollisionThread(h, workers, cfg.CollisionFile, stopCollision); err != nil {
				log.Error("collision thread failed", "err", err)
			}
		}()
	}

	var lookupLat, updateLat *latency.Writer
	if cfg.MeasureLatency > 0 {
		var err error
		lookupLat, err = latency.NewWriter(latency.Lookup, cfg.ProgName, 0)
		if err != nil {
			return nil, err
		}
		updateLat, err = latency.NewWriter(latency.Update, cfg.ProgName, 0)
		if err != nil {
			return nil, err
		}
	}

	stopWorkers := make(chan struct{})
	var workerWG sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		w := w
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			runWorker(h, cfg, w, res, stopWorkers, lookupLat, updateLat)
		}()
	}

	if cfg.DurationMS > 0 {
		time.Sleep(time.Duration(cfg.DurationMS) * time.Millisecond)
	}
	close(stopWorkers)
	workerWG.Wait()
	res.Elapsed = time.Since(start)

	close(stopCollision)
	collisionWG.Wait()

	if driver != nil {
		close(stopResize)
		resizeWG.Wait()
	}

	if lookupLat != nil {
		lookupLat.Close()
	}
	if updateLat != nil {
		updateLat.Close()
	}

	res.FinalNBuckets = h.Current().NBuckets
	return res, nil
}

func modeName(m Mode) string {
	if m == ModePct {
		return "pcttest"
	}
	return "perftest"
}

// runWorker picks, per iteration, one of insert/delete/lookup according to
// cfg's insert/delete/lookup percentages (which must sum to 100). A nonzero
// CPUStride only locks the worker to its own OS thread via LockOSThread; no
// CPU affinity is set and the stride value itself is not used (see
// DESIGN.md).
func runWorker(h *hashtab.Handle, cfg Config, tid int, res *Result, stop <-chan struct{}, lookupLat, updateLat *latency.Writer) {
	if cfg.CPUStride > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	rng := rand.New(rand.NewSource(int64(tid) + 1))
	base := uint64(tid) * uint64(maxInt(cfg.ElemsPerWriter, 1))
	span := uint64(maxInt(cfg.ElemsPerWriter, 1))

	var n int64
	for {
		select {
		case <-stop:
			return
		default:
		}

		key := base + uint64(rng.Int63n(int64(span)))
		roll := rng.Intn(100)
		n++
		sampled := cfg.MeasureLatency > 0 && n%int64(cfg.MeasureLatency) == 0

		switch {
		case roll < cfg.PercentInsert:
			t0 := time.Now()
			err := h.Add(tid, key, key)
			if sampled && updateLat != nil {
				updateLat.Sample(time.Since(t0).Nanoseconds())
			}
			if err == nil {
				atomic.AddInt64(&res.Inserts, 1)
			} else {
				atomic.AddInt64(&res.InsertFails, 1)
			}
		case roll < cfg.PercentInsert+cfg.PercentDelete:
			t0 := time.Now()
			err := h.Del(tid, key)
			if sampled && updateLat != nil {
				updateLat.Sample(time.Since(t0).Nanoseconds())
			}
			if err == nil {
				atomic.AddInt64(&res.Deletes, 1)
			} else {
				atomic.AddInt64(&res.DeleteFails, 1)
			}
		default:
			t0 := time.Now()
			_, err := h.Lookup(tid, key)
			if sampled && lookupLat != nil {
				lookupLat.Sample(time.Since(t0).Nanoseconds())
			}
			atomic.AddInt64(&res.Lookups, 1)
			if err == nil {
				atomic.AddInt64(&res.LookupHits, 1)
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runCollisionThread reads the collision log format (ASCII `<uint>\t<uint>`
// lines: decimal key and seed) and inserts each key, simulating a burst of
// adversarial keys targeting one bucket. Seed is currently informational
// only — every variant in this module already picks its own table-wide
// seed; a per-key seed override would require per-node hash dispatch,
// which no engine here supports. tid is the thread id the inserts run
// under; Run passes the worker count, one past the last worker's tid and
// inside the DCSS slot range Run allocates.
func runCollisionThread(h *hashtab.Handle, tid int, path string, stop <-chan struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening collision file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		select {
		case <-stop:
			return nil
		default:
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			continue
		}
		key, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		_ = h.Add(tid, key, key)
	}
	return scanner.Err()
}

// RegisterFlags binds the full test-harness flag surface onto cmd and
// returns the Config those flags populate, plus a Finalize func that must
// run after cmd parses its arguments: it resolves --variant into a
// httable.Variant and validates the percentage split.
func RegisterFlags(cmd *cobra.Command) (cfg *Config, finalize func() error) {
	cfg = &Config{ProgName: cmd.Name()}
	var variantName string
	var percentages []int
	var negCacheSize string

	f := cmd.Flags()
	f.StringVar(&variantName, "variant", "dhash-lf-dcss", "bucket engine: dhash-lf-dcss|dhash-wf|rht|split")
	f.Uint32Var(&cfg.NBuckets, "nbuckets", 16, "initial bucket count")
	f.Uint32Var(&cfg.MaxNBuckets, "max-nbuckets", 1<<20, "upper bound on bucket count")
	f.IntVar(&cfg.NReaders, "nreaders", 0, "reader count, added to --nupdaters for the worker count when --nworkers is 0; every worker runs the --percentage mix")
	f.IntVar(&cfg.NUpdaters, "nupdaters", 0, "updater count, added to --nreaders for the worker count when --nworkers is 0; every worker runs the --percentage mix")
	f.IntVar(&cfg.NWorkers, "nworkers", 4, "total worker count (overrides nreaders+nupdaters if nonzero)")
	f.IntSliceVar(&percentages, "percentage", []int{34, 33, 33}, "insert,delete,lookup percentages, must sum to 100")
	f.IntVar(&cfg.ElemsPerWriter, "elems-per-writer", 10000, "key-space size per worker")
	f.IntVar(&cfg.Preinsert, "preinsert", 0, "keys to insert before the timed run")
	f.IntVar(&cfg.CPUStride, "cpustride", 0, "nonzero locks each worker to its own OS thread; no CPU affinity is set (0 disables)")
	f.Uint32Var(&cfg.ResizeDiv, "resizediv", 2, "shrink divisor")
	f.Uint32Var(&cfg.ResizeMult, "resizemult", 2, "grow multiplier")
	f.IntVar(&cfg.ResizeWaitMS, "resizewait", 0, "resize thread tick interval in ms (0 disables resizing)")
	f.BoolVar(&cfg.NoRepeatResize, "dont-repeatedly-resize", false, "use threshold policy instead of oscillating between two sizes")
	f.Int64Var(&cfg.MaxListLength, "max-list-length", 8, "grow trigger: max live nodes in one bucket")
	f.Float64Var(&cfg.MinAvgLoadFact, "min_avg_load_factor", 0.25, "shrink trigger: minimum average load factor")
	f.BoolVar(&cfg.UseJenkinsHash, "jhash", false, "use Config.ExternalHash instead of the built-in default; no flag sets ExternalHash, so from the command line this keeps the default")
	f.BoolVar(&cfg.Rebuild, "rebuild", false, "recorded in Config.Rebuild but not passed to the resize driver; resizes keep the hash seed")
	f.StringVar(&cfg.CollisionFile, "collision", "", "collision log file (generated by cmd/collisiongen)")
	f.IntVar(&cfg.DurationMS, "duration", 1000, "run duration in ms")
	f.IntVar(&cfg.MeasureLatency, "measure-latency", 0, "sample every Nth op's latency (0 disables)")
	f.IntVar(&cfg.RebuildThreads, "rebuild-threads", 1, "LF-DCSS migration worker fan-out (1..32)")
	f.StringVar(&negCacheSize, "neg-cache-size", "0", "lookup-miss negative cache size, e.g. 64MB (0 disables)")

	finalize = func() error {
		variant, err := ParseVariant(variantName)
		if err != nil {
			return err
		}
		cfg.Variant = variant

		if len(percentages) != 3 {
			return fmt.Errorf("--percentage takes exactly 3 values (insert,delete,lookup), got %d", len(percentages))
		}
		cfg.PercentInsert, cfg.PercentDelete, cfg.PercentLookup = percentages[0], percentages[1], percentages[2]
		if sum := cfg.PercentInsert + cfg.PercentDelete + cfg.PercentLookup; sum != 100 {
			return fmt.Errorf("--percentage values must sum to 100, got %d", sum)
		}
		if cfg.RebuildThreads < 1 || cfg.RebuildThreads > 32 {
			return fmt.Errorf("--rebuild-threads must be in 1..32, got %d", cfg.RebuildThreads)
		}
		if err := cfg.NegCacheSize.UnmarshalText([]byte(negCacheSize)); err != nil {
			return fmt.Errorf("--neg-cache-size %q: %w", negCacheSize, err)
		}
		return nil
	}
	return cfg, finalize
}

// ParseVariant maps a --variant flag value to its httable.Variant.
func ParseVariant(s string) (httable.Variant, error) {
	switch s {
	case "dhash-lf-dcss":
		return httable.VariantLFDCSS, nil
	case "dhash-wf":
		return httable.VariantWF, nil
	case "rht":
		return httable.VariantRHT, nil
	case "split":
		return httable.VariantSplit, nil
	default:
		return 0, fmt.Errorf("unknown --variant %q", s)
	}
}
