package bench

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/dhash/httable"
)

func TestRunCompletesAndReportsOps(t *testing.T) {
	cfg := Config{
		Mode:           ModePerf,
		Variant:        httable.VariantWF,
		NBuckets:       4,
		MaxNBuckets:    64,
		NWorkers:       4,
		PercentInsert:  40,
		PercentDelete:  20,
		PercentLookup:  40,
		ElemsPerWriter: 100,
		Preinsert:      10,
		DurationMS:     30,
		RebuildThreads: 1,
		ProgName:       "bench_test",
	}
	res, err := Run(cfg)
	require.NoError(t, err)
	require.Greater(t, res.Inserts+res.InsertFails+res.Deletes+res.DeleteFails+res.Lookups, int64(0))
	require.Greater(t, res.FinalNBuckets, uint32(0))
}

func TestRunWithResizeGrowsOrOscillates(t *testing.T) {
	cfg := Config{
		Mode:           ModePerf,
		Variant:        httable.VariantRHT,
		NBuckets:       4,
		MaxNBuckets:    32,
		NWorkers:       2,
		PercentInsert:  60,
		PercentDelete:  0,
		PercentLookup:  40,
		ElemsPerWriter: 200,
		ResizeWaitMS:   5,
		ResizeMult:     2,
		ResizeDiv:      2,
		MaxListLength:  1,
		DurationMS:     50,
		RebuildThreads: 2,
		ProgName:       "bench_test",
	}
	res, err := Run(cfg)
	require.NoError(t, err)
	require.Greater(t, res.FinalNBuckets, uint32(0))
}

func TestRunWithNegativeCacheCompletes(t *testing.T) {
	cfg := Config{
		Mode:           ModePerf,
		Variant:        httable.VariantLFDCSS,
		NBuckets:       4,
		MaxNBuckets:    64,
		NWorkers:       2,
		PercentInsert:  20,
		PercentDelete:  10,
		PercentLookup:  70,
		ElemsPerWriter: 50,
		DurationMS:     30,
		RebuildThreads: 1,
		NegCacheSize:   64 * datasize.KB,
		ProgName:       "bench_test",
	}
	res, err := Run(cfg)
	require.NoError(t, err)
	require.Greater(t, res.Lookups, int64(0))
}

func TestParseVariantRejectsUnknown(t *testing.T) {
	_, err := ParseVariant("not-a-variant")
	require.Error(t, err)

	v, err := ParseVariant("rht")
	require.NoError(t, err)
	require.Equal(t, httable.VariantRHT, v)
}
