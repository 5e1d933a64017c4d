// Package join implements the windowed stream-join subsystem: nested-loop
// and hash build/probe variants sharing a StreamJoinOperatorHandler and the
// same slice-per-window lifecycle as pkg/window (spec.md §4.7).
package join

import (
	"encoding/binary"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/hashmap"
)

// noNext marks the end of a HashSide chain, mirroring pkg/hashmap's arena
// convention.
const noNext = ^uint32(0)

// RecordID locates one tuple by the buffer it lives in and its row index,
// letting a probe emit matched pairs without copying or re-serializing the
// underlying record; the caller materializes the joined output record from
// the two RecordIDs using its own schema/memprovider.
type RecordID struct {
	Buf   buffer.TupleBuffer
	Index int
}

type chainNode struct {
	rec  RecordID
	next uint32
}

// HashSide is the hash-join build-side state for one slice: a
// ChainedHashMap from join-key bytes to the head of an append-only chain of
// matching records (spec.md §4.7 "hash join: state is a chained hash map
// per side per slice"), supporting duplicate keys via the same paged-arena
// chaining idiom pkg/hashmap itself is built on.
type HashSide struct {
	index *hashmap.ChainedHashMap
	nodes []chainNode
}

// NewHashSide creates an empty HashSide.
func NewHashSide() *HashSide {
	return &HashSide{index: hashmap.New(0, 4)}
}

// Insert adds rec under keyBytes/hash, preserving any record already present
// under the same key.
func (h *HashSide) Insert(keyBytes []byte, hash uint64, rec RecordID) {
	nodeIdx := uint32(len(h.nodes)) //nolint:gosec

	handle := h.index.FindOrCreate(keyBytes, hash, func(state []byte) {
		binary.LittleEndian.PutUint32(state, noNext)
	})

	head := binary.LittleEndian.Uint32(handle.Value())
	h.nodes = append(h.nodes, chainNode{rec: rec, next: head})
	binary.LittleEndian.PutUint32(handle.Value(), nodeIdx)
}

// Lookup returns every record inserted under keyBytes/hash.
func (h *HashSide) Lookup(keyBytes []byte, hash uint64) []RecordID {
	handle, ok := h.index.Find(keyBytes, hash)
	if !ok {
		return nil
	}

	var out []RecordID

	for idx := binary.LittleEndian.Uint32(handle.Value()); idx != noNext; idx = h.nodes[idx].next {
		out = append(out, h.nodes[idx].rec)
	}

	return out
}

// Count returns the total number of records inserted (not the number of
// distinct keys), used by Probe to pick the smaller side to iterate.
func (h *HashSide) Count() int { return len(h.nodes) }

// ForEach calls fn once per (keyBytes, record) pair inserted.
func (h *HashSide) ForEach(fn func(keyBytes []byte, rec RecordID)) {
	h.index.Range(func(handle hashmap.Handle) {
		for idx := binary.LittleEndian.Uint32(handle.Value()); idx != noNext; idx = h.nodes[idx].next {
			fn(handle.Key(), h.nodes[idx].rec)
		}
	})
}
