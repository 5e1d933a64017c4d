package hashmap

import "bytes"

// defaultInitialBuckets is the bucket count a ChainedHashMap starts with
// when none is specified.
const defaultInitialBuckets = 16

// maxLoadFactor is the average chain length that triggers a resize.
const maxLoadFactor = 4

// Handle references one entry in a ChainedHashMap. It stays valid for the
// lifetime of the map (entries are never moved or freed individually).
type Handle struct {
	e *entry
}

// Key returns the entry's key bytes.
func (h Handle) Key() []byte { return h.e.key }

// Value returns the entry's mutable value bytes; callers write aggregation
// state in place through this slice.
func (h Handle) Value() []byte { return h.e.value }

// ChainedHashMap is a fixed-value-size, open-addressed hash map over an
// append-only entry arena (spec.md §3). The number of buckets is always a
// power of two; every entry reachable from bucket `hash mod B` satisfies
// `hash % B == bucket`.
type ChainedHashMap struct {
	buckets   []uint32
	mask      uint64
	arena     *arena
	valueSize int
	count     int
}

// New creates an empty ChainedHashMap whose values are valueSize bytes,
// starting with at least initialBuckets buckets (rounded up to a power of
// two; defaultInitialBuckets if initialBuckets <= 0).
func New(initialBuckets, valueSize int) *ChainedHashMap {
	if initialBuckets <= 0 {
		initialBuckets = defaultInitialBuckets
	}

	n := nextPowerOfTwo(initialBuckets)
	buckets := make([]uint32, n)

	for i := range buckets {
		buckets[i] = noNext
	}

	return &ChainedHashMap{
		buckets:   buckets,
		mask:      uint64(n - 1),
		arena:     newArena(0),
		valueSize: valueSize,
	}
}

// Len returns the number of entries in the map.
func (m *ChainedHashMap) Len() int { return m.count }

// BucketCount returns the current number of buckets (always a power of two).
func (m *ChainedHashMap) BucketCount() int { return len(m.buckets) }

// Find searches the bucket chain for keyBytes/hash, returning its Handle and
// true on a hit.
func (m *ChainedHashMap) Find(keyBytes []byte, hash uint64) (Handle, bool) {
	idx := m.buckets[hash&m.mask]

	for idx != noNext {
		e := m.arena.get(idx)
		if e.hash == hash && bytes.Equal(e.key, keyBytes) {
			return Handle{e: e}, true
		}

		idx = e.next
	}

	return Handle{}, false
}

// FindOrCreate returns the existing entry for keyBytes/hash, or allocates a
// new one and calls onInsert(value) to initialize its value area (spec.md
// §4.4). onInsert may be nil, leaving a newly created value area zeroed.
func (m *ChainedHashMap) FindOrCreate(keyBytes []byte, hash uint64, onInsert func(value []byte)) Handle {
	if h, ok := m.Find(keyBytes, hash); ok {
		return h
	}

	return m.insert(keyBytes, hash, onInsert)
}

// Combine behaves like FindOrCreate but always invokes updateFn on the
// resulting entry's value after any onInsert initialization (spec.md §4.4).
func (m *ChainedHashMap) Combine(keyBytes []byte, hash uint64, onInsert, updateFn func(value []byte)) Handle {
	h := m.FindOrCreate(keyBytes, hash, onInsert)
	if updateFn != nil {
		updateFn(h.Value())
	}

	return h
}

func (m *ChainedHashMap) insert(keyBytes []byte, hash uint64, onInsert func(value []byte)) Handle {
	if m.count >= len(m.buckets)*maxLoadFactor {
		m.resize(len(m.buckets) * 2)
	}

	key := append([]byte(nil), keyBytes...)
	value := make([]byte, m.valueSize)

	idx, e := m.arena.alloc()
	*e = entry{hash: hash, key: key, value: value}

	bucket := hash & m.mask
	e.next = m.buckets[bucket]
	m.buckets[bucket] = idx
	m.count++

	if onInsert != nil {
		onInsert(e.value)
	}

	return Handle{e: e}
}

// Range calls fn once per entry in unspecified but stable order (stable
// across repeated calls against the same unmodified map), used by slice
// merging and by window/join output lowering to iterate every grouping key.
func (m *ChainedHashMap) Range(fn func(Handle)) {
	for pageIdx, page := range m.arena.pages {
		for slot := range page {
			idx := uint32(pageIdx)*uint32(m.arena.pageSize) + uint32(slot) //nolint:gosec
			fn(Handle{e: m.arena.get(idx)})
		}
	}
}

// resize doubles the bucket array and reprobes every existing entry using
// its already-stored hash (spec.md §8 boundary behavior: resizing preserves
// all entries and their hashes; no rehashing of key bytes is needed).
func (m *ChainedHashMap) resize(newBucketCount int) {
	newBuckets := make([]uint32, newBucketCount)
	for i := range newBuckets {
		newBuckets[i] = noNext
	}

	newMask := uint64(newBucketCount - 1)

	for pageIdx, page := range m.arena.pages {
		for slot := range page {
			e := &page[slot]
			idx := uint32(pageIdx)*uint32(m.arena.pageSize) + uint32(slot) //nolint:gosec
			bucket := e.hash & newMask
			e.next = newBuckets[bucket]
			newBuckets[bucket] = idx
		}
	}

	m.buckets = newBuckets
	m.mask = newMask
}

// nextPowerOfTwo returns the smallest power of two >= n (n >= 1).
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}

	return p
}
