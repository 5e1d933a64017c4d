// Package buffer implements the engine's tuple-buffer memory manager
// (spec.md §3, §4.1): fixed-size pooled pages handed out as reference-counted
// TupleBuffer handles, with child-buffer chaining for variable-sized
// payloads and per-worker local sub-pools.
//
// Grounded on codefang's pkg/rbtree.ShardedAllocator (sharded pool split)
// and pkg/gitlib.Worker's channel-based request dispatch (blocking FIFO
// acquisition); see DESIGN.md.
package buffer

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
)

// owner is implemented by whatever pool a controlBlock belongs to: the
// BufferManager's global free list, or a worker's LocalPool. Unpooled
// buffers have a nil owner and are simply garbage collected on release.
type owner interface {
	reclaim(cb *controlBlock)
}

// controlBlock is the shared, reference-counted state behind every handle to
// one page. It is itself reused across acquisitions: reset() clears mutable
// fields but keeps the underlying data slice allocated.
type controlBlock struct {
	data []byte
	home owner

	refCount atomic.Int32

	tupleCount     uint64
	watermark      uint64
	origin         ids.OriginId
	sequenceNumber ids.SequenceNumber
	chunkNumber    ids.ChunkNumber
	lastChunk      bool
	creationTime   int64

	children []TupleBuffer
}

func (cb *controlBlock) reset() {
	cb.tupleCount = 0
	cb.watermark = 0
	cb.origin = ids.InvalidOriginId
	cb.sequenceNumber = ids.FirstSequenceNumber
	cb.chunkNumber = 0
	cb.lastChunk = false
	cb.creationTime = 0
	cb.children = cb.children[:0]
}

// TupleBuffer is a handle to a fixed-size page plus its per-buffer metadata
// (spec.md §3). Zero value is not usable; obtain handles from a
// BufferManager or LocalPool. TupleBuffer is intentionally a small value
// type copied by callers; Retain/Release manage the underlying refcount
// explicitly so each live handle must be released exactly once.
type TupleBuffer struct {
	cb       *controlBlock
	released *atomic.Bool
}

// newHandle wraps cb in a fresh handle for a first-time acquisition,
// setting its reference count to 1. Retain (an additional handle to an
// already-live control block) must not go through this path — it would
// stomp the count set by earlier handles.
func newHandle(cb *controlBlock) TupleBuffer {
	cb.refCount.Store(1)

	return TupleBuffer{cb: cb, released: new(atomic.Bool)}
}

// Valid reports whether this handle still refers to a live control block.
func (t TupleBuffer) Valid() bool { return t.cb != nil }

// Bytes returns the buffer's raw backing storage.
func (t TupleBuffer) Bytes() []byte { return t.cb.data }

// Capacity returns the size in bytes of the page.
func (t TupleBuffer) Capacity() int { return len(t.cb.data) }

// NumberOfTuples returns the tuple count currently recorded in this buffer.
func (t TupleBuffer) NumberOfTuples() uint64 { return t.cb.tupleCount }

// SetNumberOfTuples records the tuple count. Callers (MemoryProviders) are
// responsible for ensuring count*recordSize <= Capacity(); the buffer layer
// does not know the record layout.
func (t TupleBuffer) SetNumberOfTuples(n uint64) { t.cb.tupleCount = n }

// Watermark returns the buffer's watermark timestamp.
func (t TupleBuffer) Watermark() uint64 { return t.cb.watermark }

// SetWatermark sets the buffer's watermark timestamp.
func (t TupleBuffer) SetWatermark(ts uint64) { t.cb.watermark = ts }

// OriginId returns the origin that produced this buffer.
func (t TupleBuffer) OriginId() ids.OriginId { return t.cb.origin }

// SetOriginId sets the producing origin.
func (t TupleBuffer) SetOriginId(o ids.OriginId) { t.cb.origin = o }

// SequenceNumber returns the buffer's per-origin sequence number.
func (t TupleBuffer) SequenceNumber() ids.SequenceNumber { return t.cb.sequenceNumber }

// SetSequenceNumber sets the buffer's per-origin sequence number.
func (t TupleBuffer) SetSequenceNumber(s ids.SequenceNumber) { t.cb.sequenceNumber = s }

// ChunkNumber returns the buffer's chunk number.
func (t TupleBuffer) ChunkNumber() ids.ChunkNumber { return t.cb.chunkNumber }

// SetChunkNumber sets the buffer's chunk number.
func (t TupleBuffer) SetChunkNumber(c ids.ChunkNumber) { t.cb.chunkNumber = c }

// IsLastChunk reports whether this is the final chunk for its sequence number.
func (t TupleBuffer) IsLastChunk() bool { return t.cb.lastChunk }

// SetLastChunk sets the last-chunk flag.
func (t TupleBuffer) SetLastChunk(last bool) { t.cb.lastChunk = last }

// CreationTimestamp returns the buffer's creation time (unix nanoseconds).
func (t TupleBuffer) CreationTimestamp() int64 { return t.cb.creationTime }

// ChildCount returns the number of attached child buffers.
func (t TupleBuffer) ChildCount() int { return len(t.cb.children) }

// Retain returns a new independent handle to the same control block,
// incrementing its reference count. The returned handle must itself be
// released exactly once.
func (t TupleBuffer) Retain() TupleBuffer {
	t.cb.refCount.Add(1)

	return TupleBuffer{cb: t.cb, released: new(atomic.Bool)}
}

// Release decrements the reference count. When it reaches zero, all
// attached children are released (recursively) and the page is returned to
// its owning pool. Calling Release twice on the same handle is a fatal
// InvariantViolation (spec.md §3).
func (t TupleBuffer) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return engineerr.Wrap(engineerr.KindInvariantViolation, "buffer released twice", engineerr.ErrDoubleRelease)
	}

	if t.cb.refCount.Add(-1) > 0 {
		return nil
	}

	for _, child := range t.cb.children {
		if err := child.Release(); err != nil {
			return err
		}
	}

	cb := t.cb
	cb.reset()

	if cb.home != nil {
		cb.home.reclaim(cb)
	}

	return nil
}

// AttachChild appends child (whose ownership transfers to parent) to
// parent's child vector and returns its index for use in a
// VariableSizedAccess slot. Fails with ErrChildLimitExceeded if the index
// would exceed the 32-bit index space (spec.md §4.1).
func AttachChild(parent TupleBuffer, child TupleBuffer) (uint32, error) {
	if len(parent.cb.children) >= math.MaxUint32 {
		return 0, engineerr.Wrap(engineerr.KindInvariantViolation, "attach child", engineerr.ErrChildLimitExceeded)
	}

	idx := uint32(len(parent.cb.children)) //nolint:gosec // bounds-checked above
	parent.cb.children = append(parent.cb.children, child)

	return idx, nil
}

// LoadChild returns a new handle referencing the child at index, previously
// attached via AttachChild. Fails with ErrChildIndexOutOfRange if index does
// not address an existing child (spec.md §4.1).
func LoadChild(parent TupleBuffer, index uint32) (TupleBuffer, error) {
	if index >= uint32(len(parent.cb.children)) { //nolint:gosec // length is bounds-checked at attach time
		return TupleBuffer{}, engineerr.Wrap(engineerr.KindInvariantViolation, "load child", engineerr.ErrChildIndexOutOfRange)
	}

	return parent.cb.children[index].Retain(), nil
}

// now is overridable in tests; production code uses wall-clock time.
var now = func() int64 { return time.Now().UnixNano() }
