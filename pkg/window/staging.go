package window

import (
	"fmt"
	"sort"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/ids"
)

// Window is a single aggregation window awaiting or past completion
// (spec.md §3 Window). It is complete once every participating origin has
// reported a watermark >= End.
type Window struct {
	Start, End     uint64
	participating  map[ids.OriginId]struct{}
	completionMask map[ids.OriginId]struct{}
}

// complete reports whether every participating origin has been marked done.
func (w *Window) complete() bool {
	for o := range w.participating {
		if _, ok := w.completionMask[o]; !ok {
			return false
		}
	}

	return true
}

// markOrigin records that origin has advanced its watermark past w.End.
func (w *Window) markOrigin(origin ids.OriginId) {
	if w.completionMask == nil {
		w.completionMask = make(map[ids.OriginId]struct{})
	}

	w.completionMask[origin] = struct{}{}
}

// StagingArea is the per-operator merge point of spec.md §4.6: it collects
// finalized slices from every worker into one global Store, tracks window
// completion per participating origin, and hands back the set of windows
// newly complete on each watermark advance so the caller can merge their
// slices and emit output.
type StagingArea struct {
	Global        *Store
	Keyed         bool
	Function      Function
	Participating map[ids.OriginId]struct{}

	windows  map[uint64]*Window // keyed by window Start
	nextSeq  ids.SequenceNumber
	finished map[uint64]bool
}

// NewStagingArea creates a StagingArea over a global Store, participating
// over the given origins.
func NewStagingArea(global *Store, fn Function, participating []ids.OriginId) *StagingArea {
	p := make(map[ids.OriginId]struct{}, len(participating))
	for _, o := range participating {
		p[o] = struct{}{}
	}

	return &StagingArea{
		Global:        global,
		Keyed:         global.Keyed,
		Function:      fn,
		Participating: p,
		windows:       make(map[uint64]*Window),
		nextSeq:       ids.FirstSequenceNumber,
		finished:      make(map[uint64]bool),
	}
}

// MergeWorkerSlice folds a finalized worker slice into the global Store,
// combining per-key (keyed) or directly (non-keyed) with any existing
// global slice covering the same [Start, End) (spec.md §4.6 step 2).
func (sa *StagingArea) MergeWorkerSlice(s *Slice) error {
	dst, err := sa.Global.FindOrCreateSliceByTs(s.Start)
	if err != nil {
		return err
	}

	if dst.Start != s.Start || dst.End != s.End {
		return engineerr.New(engineerr.KindInvariantViolation,
			fmt.Sprintf("worker slice [%d,%d) does not align with global slice [%d,%d)", s.Start, s.End, dst.Start, dst.End))
	}

	if sa.Keyed {
		var rangeErr error

		s.Keyed.Range(func(h hashmap.Handle) {
			if rangeErr != nil {
				return
			}

			hash := hashmap.Hash(h.Key())

			if existing, ok := dst.Keyed.Find(h.Key(), hash); ok {
				rangeErr = Merge(sa.Function, existing.Value(), h.Value())

				return
			}

			dst.Keyed.FindOrCreate(h.Key(), hash, func(state []byte) {
				copy(state, h.Value())
			})
		})

		return rangeErr
	}

	if !dst.nonKeyedInit {
		dst.nonKeyedInit = true
		copy(dst.NonKeyed, s.NonKeyed)

		return nil
	}

	return Merge(sa.Function, dst.NonKeyed, s.NonKeyed)
}

// AdvanceOrigin records that origin's watermark has reached wm. Every known
// window (one covering at least one currently retained slice) whose End <=
// wm is marked complete for origin; the windows newly completed by this
// call (every participating origin now past End) are returned in
// non-decreasing End order (spec.md §4.6 "windows are emitted in
// non-decreasing order of end").
func (sa *StagingArea) AdvanceOrigin(origin ids.OriginId, wm uint64) []*Window {
	for _, s := range sa.Global.Slices() {
		for _, ws := range sa.Global.Assigner.WindowsContaining(s.Start, s.End) {
			sa.windowAt(ws)
		}
	}

	for _, w := range sa.windows {
		if wm < w.End {
			continue
		}

		if _, participates := w.participating[origin]; participates {
			w.markOrigin(origin)
		}
	}

	var ready []*Window

	for start, w := range sa.windows {
		if sa.finished[start] {
			continue
		}

		if w.complete() {
			ready = append(ready, w)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].End < ready[j].End })

	for _, w := range ready {
		sa.finished[w.Start] = true
	}

	return ready
}

func (sa *StagingArea) windowAt(start uint64) *Window {
	w, ok := sa.windows[start]
	if !ok {
		w = &Window{Start: start, End: start + sa.Global.Assigner.Size, participating: sa.Participating}
		sa.windows[start] = w
	}

	return w
}

// NextSequenceNumber returns the next contiguous sequence number to assign
// to an emitted window's output buffer (spec.md §4.6 step 2).
func (sa *StagingArea) NextSequenceNumber() ids.SequenceNumber {
	seq := sa.nextSeq
	sa.nextSeq = sa.nextSeq.Next()

	return seq
}

// EvictCompleted releases every global slice for which every window it
// participates in has already finished (spec.md §4.6 step 3: "slices no
// longer referenced by any potentially-open window are released").
func (sa *StagingArea) EvictCompleted() []*Slice {
	var evicted, keep []*Slice

	for _, s := range sa.Global.slices {
		done := true

		for _, ws := range sa.Global.Assigner.WindowsContaining(s.Start, s.End) {
			if !sa.finished[ws] {
				done = false

				break
			}
		}

		if done {
			evicted = append(evicted, s)
		} else {
			keep = append(keep, s)
		}
	}

	sa.Global.slices = keep

	return evicted
}
