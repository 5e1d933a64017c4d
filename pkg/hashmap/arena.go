// Package hashmap implements ChainedHashMap: an open-addressed index array
// of bucket heads over paged, append-only entry storage (spec.md §3).
// Entries are addressed by a stable uint32 index rather than a pointer, so
// ownership of the whole map can be handed from one worker to another (the
// slice-staging handoff in pkg/window) without invalidating anything any
// other goroutine might still be holding.
//
// Grounded on codefang's pkg/rbtree.Allocator: an append-only node arena
// with "zero is reserved" / gap-reuse conventions. This map never frees
// individual entries (a slice's hash map lives and dies with the slice), so
// it keeps the append-only page discipline without the gap-reuse machinery.
// See DESIGN.md.
package hashmap

// noNext marks the end of a bucket chain or an empty bucket head.
const noNext = ^uint32(0)

// entry is one key/value pair plus its bucket-chain successor.
type entry struct {
	hash  uint64
	key   []byte
	value []byte
	next  uint32
}

// arena is paged, append-only storage for entries. Pages are pre-sized to
// pageSize capacity so appending within a page never reallocates; once a
// page is full a new one is appended. Existing entries are therefore never
// moved and their (page, slot) index stays valid for the arena's lifetime.
type arena struct {
	pageSize int
	pages    [][]entry
}

func newArena(pageSize int) *arena {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &arena{pageSize: pageSize}
}

// alloc reserves a new entry slot and returns its stable index plus a
// pointer usable until the next alloc call invalidates no prior pointers
// (pages are never moved, only appended to).
func (a *arena) alloc() (uint32, *entry) {
	if len(a.pages) == 0 || len(a.pages[len(a.pages)-1]) == a.pageSize {
		a.pages = append(a.pages, make([]entry, 0, a.pageSize))
	}

	page := &a.pages[len(a.pages)-1]
	slot := len(*page)
	*page = (*page)[:slot+1]

	idx := uint32(len(a.pages)-1)*uint32(a.pageSize) + uint32(slot) //nolint:gosec // bounded by arena usage

	return idx, &(*page)[slot]
}

func (a *arena) get(idx uint32) *entry {
	page := idx / uint32(a.pageSize) //nolint:gosec
	slot := idx % uint32(a.pageSize) //nolint:gosec

	return &a.pages[page][slot]
}

// defaultPageSize bounds each arena page to a modest number of entries,
// keeping individual page allocations small while still amortizing the
// append cost across many inserts.
const defaultPageSize = 256
