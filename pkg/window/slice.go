package window

import (
	"fmt"
	"sort"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/memprovider"
)

// Slice holds the aggregation state for one half-open event-time interval
// [Start, End) (spec.md §3 Slice). A keyed slice's state is a ChainedHashMap
// whose keys are the grouping fields' concatenated bytes and whose values
// are StateSize-byte aggregation accumulators; a non-keyed slice's state is
// a single StateSize-byte accumulator.
type Slice struct {
	Start, End   uint64
	Keyed        *hashmap.ChainedHashMap
	NonKeyed     []byte
	nonKeyedInit bool
}

func newSlice(start, end uint64, keyed bool) *Slice {
	s := &Slice{Start: start, End: end}

	if keyed {
		s.Keyed = hashmap.New(0, StateSize)
	} else {
		s.NonKeyed = make([]byte, StateSize)
	}

	return s
}

// Store is a per-worker, per-window-operator ordered collection of slices
// (spec.md §4.4, §4.5). Slices are kept sorted by Start; a timestamp t
// belongs to exactly one slice when Start <= t < End.
type Store struct {
	Assigner Assigner
	Keyed    bool

	// AllowedLateness shifts the effective watermark used for late-record
	// detection backward by this many event-time units, so a record up to
	// AllowedLateness behind the true watermark is still accepted instead
	// of being dropped (SPEC_FULL.md §C.4, spec.md §7 "the window operator
	// may be configured to account for allowed lateness that shifts the
	// effective watermark"). The watermark this store exposes downstream
	// is unaffected; only the late/not-late decision shifts.
	AllowedLateness uint64

	lastWatermark uint64
	slices        []*Slice
}

// NewStore creates an empty Store governed by assigner, for keyed or
// non-keyed aggregation state.
func NewStore(assigner Assigner, keyed bool) *Store {
	return &Store{Assigner: assigner, Keyed: keyed}
}

// LastWatermark returns the highest watermark this store has observed.
func (st *Store) LastWatermark() uint64 { return st.lastWatermark }

// AdvanceWatermark records a new observed watermark; callers must ensure
// watermarks are non-decreasing per spec.md §4.2.
func (st *Store) AdvanceWatermark(wm uint64) {
	if wm > st.lastWatermark {
		st.lastWatermark = wm
	}
}

// effectiveWatermark returns the watermark a late-record check is made
// against: lastWatermark shifted back by AllowedLateness, floored at 0.
func (st *Store) effectiveWatermark() uint64 {
	if st.AllowedLateness >= st.lastWatermark {
		return 0
	}

	return st.lastWatermark - st.AllowedLateness
}

// FindOrCreateSliceByTs locates the slice owning ts by binary search; if
// absent and ts >= lastWatermark, creates it with boundaries from Assigner,
// inserting while preserving sort order. If absent and ts < lastWatermark,
// returns a KindLateRecord error (spec.md §4.4, §7).
func (st *Store) FindOrCreateSliceByTs(ts uint64) (*Slice, error) {
	i := sort.Search(len(st.slices), func(i int) bool { return st.slices[i].End > ts })

	if i < len(st.slices) && st.slices[i].Start <= ts {
		return st.slices[i], nil
	}

	if ts < st.effectiveWatermark() {
		return nil, engineerr.New(engineerr.KindLateRecord,
			fmt.Sprintf("record ts=%d below effective watermark=%d (watermark=%d, allowed lateness=%d)",
				ts, st.effectiveWatermark(), st.lastWatermark, st.AllowedLateness))
	}

	start, end := st.Assigner.Assign(ts)
	s := newSlice(start, end, st.Keyed)

	st.slices = append(st.slices, nil)
	copy(st.slices[i+1:], st.slices[i:])
	st.slices[i] = s

	return s, nil
}

// FoldNonKeyed lifts v into the slice's single accumulator on the first
// call and combines on every subsequent call (spec.md §4.5). It panics if
// called on a keyed slice.
func (s *Slice) FoldNonKeyed(fn Function, v memprovider.Value) error {
	if s.Keyed != nil {
		panic("window: FoldNonKeyed called on a keyed slice")
	}

	if !s.nonKeyedInit {
		s.nonKeyedInit = true

		return Lift(fn, s.NonKeyed, v)
	}

	return Combine(fn, s.NonKeyed, v)
}

// FoldKeyed locates or creates keyBytes/hash's entry in the slice's
// ChainedHashMap and lifts v on creation or combines on an existing entry
// (spec.md §4.4).
func (s *Slice) FoldKeyed(fn Function, keyBytes []byte, hash uint64, v memprovider.Value) error {
	if s.Keyed == nil {
		panic("window: FoldKeyed called on a non-keyed slice")
	}

	if h, ok := s.Keyed.Find(keyBytes, hash); ok {
		return Combine(fn, h.Value(), v)
	}

	var foldErr error

	s.Keyed.FindOrCreate(keyBytes, hash, func(state []byte) {
		foldErr = Lift(fn, state, v)
	})

	return foldErr
}

// Slices returns every slice currently retained, ordered by Start.
func (st *Store) Slices() []*Slice { return st.slices }

// SlicesIn returns the retained slices fully contained in [start, end),
// ordered by Start (spec.md §4.6 merge step).
func (st *Store) SlicesIn(start, end uint64) []*Slice {
	var out []*Slice

	for _, s := range st.slices {
		if s.Start >= start && s.End <= end {
			out = append(out, s)
		}
	}

	return out
}

// EvictBefore removes and returns every retained slice whose End is <= upTo,
// used once no open window can still reference them (spec.md §4.6 step 3,
// §3 Slice invariant).
func (st *Store) EvictBefore(upTo uint64) []*Slice {
	i := 0
	for i < len(st.slices) && st.slices[i].End <= upTo {
		i++
	}

	evicted := st.slices[:i]
	st.slices = st.slices[i:]

	return evicted
}
