package join

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/window"
)

// Kind selects the join algorithm sharing the StreamJoinOperatorHandler
// interface (spec.md §4.7).
type Kind int

const (
	NestedLoop Kind = iota
	HashJoin
)

// Pair is one matched (left, right) record produced by Probe.
type Pair struct {
	Left, Right RecordID
}

// joinSlice holds one window's build-side state for both inputs. Only the
// fields matching the handler's Kind are populated.
type joinSlice struct {
	start, end          uint64
	leftNL, rightNL     *NestedLoopSide
	leftHash, rightHash *HashSide
}

func newJoinSlice(start, end uint64, kind Kind) *joinSlice {
	s := &joinSlice{start: start, end: end}

	switch kind {
	case NestedLoop:
		s.leftNL, s.rightNL = NewNestedLoopSide(), NewNestedLoopSide()
	case HashJoin:
		s.leftHash, s.rightHash = NewHashSide(), NewHashSide()
	}

	return s
}

// Handler is the StreamJoinOperatorHandler of spec.md §4.7: build and probe
// are symmetric operators sharing one handler, indexed by window and
// maintaining per-side slice state. Grounded on pkg/window.Store's
// sorted-slice-by-binary-search structure, adapted because a join slice's
// state shape (two build sides) differs from an aggregation slice's.
type Handler struct {
	Kind          Kind
	Assigner      window.Assigner
	lastWatermark uint64
	slices        []*joinSlice
}

// NewHandler creates a Handler for the given join algorithm and slice
// assignment.
func NewHandler(kind Kind, assigner window.Assigner) *Handler {
	return &Handler{Kind: kind, Assigner: assigner}
}

// AdvanceWatermark records the highest watermark observed by either side.
func (h *Handler) AdvanceWatermark(wm uint64) {
	if wm > h.lastWatermark {
		h.lastWatermark = wm
	}
}

func (h *Handler) findOrCreateSlice(ts uint64) (*joinSlice, error) {
	i := sort.Search(len(h.slices), func(i int) bool { return h.slices[i].end > ts })

	if i < len(h.slices) && h.slices[i].start <= ts {
		return h.slices[i], nil
	}

	if ts < h.lastWatermark {
		return nil, engineerr.New(engineerr.KindLateRecord,
			fmt.Sprintf("join record ts=%d below watermark=%d", ts, h.lastWatermark))
	}

	start, end := h.Assigner.Assign(ts)
	s := newJoinSlice(start, end, h.Kind)

	h.slices = append(h.slices, nil)
	copy(h.slices[i+1:], h.slices[i:])
	h.slices[i] = s

	return s, nil
}

// BuildLeft inserts rec into the left build side of the slice owning ts,
// keyed by keyBytes.
func (h *Handler) BuildLeft(ts uint64, keyBytes []byte, rec RecordID) error {
	return h.build(ts, keyBytes, rec, true)
}

// BuildRight inserts rec into the right build side of the slice owning ts,
// keyed by keyBytes.
func (h *Handler) BuildRight(ts uint64, keyBytes []byte, rec RecordID) error {
	return h.build(ts, keyBytes, rec, false)
}

func (h *Handler) build(ts uint64, keyBytes []byte, rec RecordID, left bool) error {
	slice, err := h.findOrCreateSlice(ts)
	if err != nil {
		return err
	}

	switch h.Kind {
	case NestedLoop:
		if left {
			slice.leftNL.Insert(keyBytes, rec)
		} else {
			slice.rightNL.Insert(keyBytes, rec)
		}
	case HashJoin:
		hash := hashmap.Hash(keyBytes)
		if left {
			slice.leftHash.Insert(keyBytes, hash, rec)
		} else {
			slice.rightHash.Insert(keyBytes, hash, rec)
		}
	}

	return nil
}

// EvictBefore releases every retained slice whose End is <= upTo, mirroring
// pkg/window.Store.EvictBefore's lifecycle (spec.md §4.7, §3 Slice
// invariant). onRecord, if non-nil, is called once per record held by an
// evicted slice (both build sides), letting the caller release whatever
// buffer retention it took out when the record was built.
func (h *Handler) EvictBefore(upTo uint64, onRecord func(RecordID)) int {
	i := 0
	for i < len(h.slices) && h.slices[i].end <= upTo {
		i++
	}

	if onRecord != nil {
		for _, s := range h.slices[:i] {
			switch h.Kind {
			case NestedLoop:
				s.leftNL.ForEach(onRecord)
				s.rightNL.ForEach(onRecord)
			case HashJoin:
				s.leftHash.ForEach(func(_ []byte, rec RecordID) { onRecord(rec) })
				s.rightHash.ForEach(func(_ []byte, rec RecordID) { onRecord(rec) })
			}
		}
	}

	evicted := i
	h.slices = h.slices[i:]

	return evicted
}

// Probe matches left x right records across every slice fully contained in
// [windowStart, windowEnd) and returns every pair satisfying the equi-join
// predicate on the key bytes passed to BuildLeft/BuildRight (spec.md §4.7).
func (h *Handler) Probe(windowStart, windowEnd uint64) []Pair {
	var pairs []Pair

	for _, s := range h.slices {
		if s.start < windowStart || s.end > windowEnd {
			continue
		}

		switch h.Kind {
		case NestedLoop:
			pairs = append(pairs, probeNestedLoop(s)...)
		case HashJoin:
			pairs = append(pairs, probeHash(s)...)
		}
	}

	return pairs
}

func probeNestedLoop(s *joinSlice) []Pair {
	var pairs []Pair

	for _, l := range s.leftNL.entries {
		for _, r := range s.rightNL.entries {
			if bytes.Equal(l.key, r.key) {
				pairs = append(pairs, Pair{Left: l.rec, Right: r.rec})
			}
		}
	}

	return pairs
}

func probeHash(s *joinSlice) []Pair {
	small, large := s.leftHash, s.rightHash
	swapped := false

	if small.Count() > large.Count() {
		small, large = large, small
		swapped = true
	}

	var pairs []Pair

	small.ForEach(func(keyBytes []byte, rec RecordID) {
		for _, m := range large.Lookup(keyBytes, hashmap.Hash(keyBytes)) {
			if swapped {
				pairs = append(pairs, Pair{Left: m, Right: rec})
			} else {
				pairs = append(pairs, Pair{Left: rec, Right: m})
			}
		}
	})

	return pairs
}
