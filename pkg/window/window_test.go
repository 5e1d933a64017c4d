package window_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/schema"
	"github.com/nebulastream/nes/pkg/window"
)

func int64Key(k int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(k)) //nolint:gosec

	return b
}

func TestAssignerTumblingBoundaries(t *testing.T) {
	t.Parallel()

	a := window.Assigner{Size: 10, Slide: 10}

	cases := []struct {
		ts         uint64
		start, end uint64
	}{
		{0, 0, 10},
		{9, 0, 10},
		{10, 10, 20}, // ts == end belongs to the next slice
		{11, 10, 20},
	}

	for _, c := range cases {
		start, end := a.Assign(c.ts)
		assert.Equal(t, c.start, start, "ts=%d start", c.ts)
		assert.Equal(t, c.end, end, "ts=%d end", c.ts)
	}
}

func TestAssignerSlidingWindowsContaining(t *testing.T) {
	t.Parallel()

	a := window.Assigner{Size: 10, Slide: 5}

	// slice [5,10) participates in windows [0,10) and [5,15).
	starts := a.WindowsContaining(5, 10)
	assert.ElementsMatch(t, []uint64{0, 5}, starts)
}

// TestTumblingSumGroupByKey reproduces spec.md §8 scenario 1.
func TestTumblingSumGroupByKey(t *testing.T) {
	t.Parallel()

	assigner := window.Assigner{Size: 10, Slide: 10}
	worker := window.NewStore(assigner, true)

	type record struct {
		ts uint64
		k  int64
		v  int64
	}

	records := []record{{1, 0, 1}, {2, 0, 2}, {3, 1, 5}, {11, 0, 4}}

	for _, r := range records {
		slice, err := worker.FindOrCreateSliceByTs(r.ts)
		require.NoError(t, err)

		key := int64Key(r.k)
		require.NoError(t, slice.FoldKeyed(window.Sum, key, hashmap.Hash(key), memprovider.Int64Value(r.v)))
	}

	global := window.NewStore(assigner, true)
	sa := window.NewStagingArea(global, window.Sum, []ids.OriginId{0})

	for _, s := range worker.Slices() {
		require.NoError(t, sa.MergeWorkerSlice(s))
	}

	ready := sa.AdvanceOrigin(ids.OriginId(0), 10)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(0), ready[0].Start)
	assert.Equal(t, uint64(10), ready[0].End)

	results := readResults(t, global, ready[0])
	assert.Equal(t, map[int64]int64{0: 3, 1: 5}, results)

	ready = sa.AdvanceOrigin(ids.OriginId(0), 20)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(10), ready[0].Start)

	results = readResults(t, global, ready[0])
	assert.Equal(t, map[int64]int64{0: 4}, results)
}

func readResults(t *testing.T, store *window.Store, w *window.Window) map[int64]int64 {
	t.Helper()

	out := make(map[int64]int64)

	for _, s := range store.SlicesIn(w.Start, w.End) {
		s.Keyed.Range(func(h hashmap.Handle) {
			k := int64(binary.LittleEndian.Uint64(h.Key())) //nolint:gosec
			out[k] = window.Lower(window.Sum, h.Value(), schema.Int64).Int64()
		})
	}

	return out
}

// TestSlidingCountWithLateness reproduces spec.md §8 scenario 2.
func TestSlidingCountWithLateness(t *testing.T) {
	t.Parallel()

	assigner := window.Assigner{Size: 10, Slide: 5}
	global := window.NewStore(assigner, false)
	sa := window.NewStagingArea(global, window.Count, []ids.OriginId{0})

	countOne := memprovider.Int64Value(1)

	for _, ts := range []uint64{3, 7, 12} {
		slice, err := global.FindOrCreateSliceByTs(ts)
		require.NoError(t, err)
		require.NoError(t, slice.FoldNonKeyed(window.Count, countOne))
	}

	ready := sa.AdvanceOrigin(ids.OriginId(0), 10)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(0), ready[0].Start)
	assert.Equal(t, int64(2), sumSlicesNonKeyed(global, ready[0]))

	global.AdvanceWatermark(10)
	evicted := sa.EvictCompleted()
	require.Len(t, evicted, 1, "only slice [0,5) is no longer needed by any open window")
	assert.Equal(t, uint64(0), evicted[0].Start)

	// The late record lands in the now-evicted [0,5) slice and is dropped.
	_, err := global.FindOrCreateSliceByTs(4)
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.KindLateRecord))

	ready = sa.AdvanceOrigin(ids.OriginId(0), 15)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(5), ready[0].Start)
	assert.Equal(t, int64(2), sumSlicesNonKeyed(global, ready[0]))
}

func sumSlicesNonKeyed(store *window.Store, w *window.Window) int64 {
	var total int64

	for _, s := range store.SlicesIn(w.Start, w.End) {
		total += window.Lower(window.Count, s.NonKeyed, schema.Int64).Int64()
	}

	return total
}

// TestMultiOriginWindowEmitsExactlyOnce reproduces spec.md §8 scenario 3.
func TestMultiOriginWindowEmitsExactlyOnce(t *testing.T) {
	t.Parallel()

	assigner := window.Assigner{Size: 20, Slide: 20}
	global := window.NewStore(assigner, false)

	originA, originB := ids.OriginId(1), ids.OriginId(2)
	sa := window.NewStagingArea(global, window.Count, []ids.OriginId{originA, originB})

	slice, err := global.FindOrCreateSliceByTs(5)
	require.NoError(t, err)
	require.NoError(t, slice.FoldNonKeyed(window.Count, memprovider.Int64Value(1)))

	ready := sa.AdvanceOrigin(originA, 20)
	assert.Empty(t, ready, "origin B has not reported yet")

	ready = sa.AdvanceOrigin(originB, 15)
	assert.Empty(t, ready, "origin B is still below window end 20")

	ready = sa.AdvanceOrigin(originB, 25)
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(0), ready[0].Start)
	assert.Equal(t, uint64(20), ready[0].End)

	// A second advance past the same window must not re-emit it.
	ready = sa.AdvanceOrigin(originB, 30)
	assert.Empty(t, ready)
}

func TestAllowedLatenessAcceptsRecordWithinGrace(t *testing.T) {
	t.Parallel()

	store := window.NewStore(window.Assigner{Size: 10, Slide: 10}, false)
	store.AllowedLateness = 5
	store.AdvanceWatermark(12)

	// ts=4 is behind even the shifted effective watermark and no slice owns
	// it yet, so it is dropped.
	_, err := store.FindOrCreateSliceByTs(4)
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.KindLateRecord))

	// Without allowed lateness ts=8 (< watermark 12) would be dropped; the
	// effective watermark of 12-5=7 still accepts it.
	slice, err := store.FindOrCreateSliceByTs(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slice.Start)
}

func TestSpillRoundTripsNonKeyedState(t *testing.T) {
	t.Parallel()

	store := window.NewStore(window.Assigner{Size: 10, Slide: 10}, false)

	slice, err := store.FindOrCreateSliceByTs(3)
	require.NoError(t, err)
	require.NoError(t, slice.FoldNonKeyed(window.Sum, memprovider.Int64Value(42)))

	spilled, err := window.SpillNonKeyed(slice)
	require.NoError(t, err)

	restored, err := window.UnspillNonKeyed(spilled)
	require.NoError(t, err)

	assert.Equal(t, int64(42), window.Lower(window.Sum, restored, schema.Int64).Int64())
}
