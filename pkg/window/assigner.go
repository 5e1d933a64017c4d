package window

// Assigner computes the slice [start, end) owning an event-time timestamp
// (spec.md §4.3). For tumbling windows Size == Slide; for sliding windows
// Slide < Size and the slice granularity is Slide (the window-to-slice
// mapping lives in the staging area's trigger, not here).
type Assigner struct {
	Size  uint64
	Slide uint64
}

// Assign returns the half-open slice [start, end) that ts belongs to. A
// boundary timestamp ts == end belongs to the next slice, never the
// previous one (spec.md §4.3 tie-break): equivalently, start is the
// greatest multiple of Slide that is <= ts.
func (a Assigner) Assign(ts uint64) (start, end uint64) {
	start = ts - ts%a.Slide
	end = start + a.Slide

	return start, end
}

// WindowFor returns the aggregation window [ws, we) that sliceStart belongs
// to for a tumbling assigner (Size == Slide), where one slice is exactly
// one window.
func (a Assigner) WindowFor(sliceStart uint64) (ws, we uint64) {
	ws = sliceStart - sliceStart%a.Size
	we = ws + a.Size

	return ws, we
}

// WindowsContaining returns every window start that a slice [sliceStart,
// sliceEnd) participates in: windows [ws, ws+Size) such that ws <=
// sliceStart and sliceEnd <= ws+Size (spec.md §4.3 sliding window-to-slice
// mapping). For tumbling windows this is always exactly one window.
func (a Assigner) WindowsContaining(sliceStart, sliceEnd uint64) []uint64 {
	if a.Size == a.Slide {
		ws, _ := a.WindowFor(sliceStart)

		return []uint64{ws}
	}

	var starts []uint64

	maxWs := int64(sliceStart - sliceStart%a.Slide)
	slices := int64(a.Size / a.Slide)

	for i := range slices {
		ws := maxWs - i*int64(a.Slide)
		if ws < 0 {
			break
		}

		if uint64(ws) <= sliceStart && sliceEnd <= uint64(ws)+a.Size {
			starts = append(starts, uint64(ws))
		}
	}

	return starts
}
