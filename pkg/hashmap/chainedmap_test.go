package hashmap_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/hashmap"
)

func keyFor(i int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(i))

	return b
}

func TestFindOrCreateInsertsOnce(t *testing.T) {
	t.Parallel()

	m := hashmap.New(4, 8)
	key := keyFor(1)
	hash := hashmap.Hash(key)

	inserted := 0
	h := m.FindOrCreate(key, hash, func(value []byte) {
		inserted++
		binary.LittleEndian.PutUint64(value, 0)
	})
	assert.Equal(t, 1, inserted)

	h2 := m.FindOrCreate(key, hash, func([]byte) { inserted++ })
	assert.Equal(t, 1, inserted, "second lookup must not call onInsert again")
	assert.Equal(t, h.Value(), h2.Value())
	assert.Equal(t, 1, m.Len())
}

func TestCombineAlwaysUpdates(t *testing.T) {
	t.Parallel()

	m := hashmap.New(4, 8)
	key := keyFor(1)
	hash := hashmap.Hash(key)

	for i := range 5 {
		m.Combine(key, hash,
			func(value []byte) { binary.LittleEndian.PutUint64(value, 0) },
			func(value []byte) {
				sum := binary.LittleEndian.Uint64(value)
				binary.LittleEndian.PutUint64(value, sum+uint64(i))
			},
		)
	}

	h, ok := m.Find(key, hash)
	require.True(t, ok)
	assert.Equal(t, uint64(0+1+2+3+4), binary.LittleEndian.Uint64(h.Value()))
}

func TestResizePreservesAllEntriesAndHashes(t *testing.T) {
	t.Parallel()

	m := hashmap.New(2, 8)

	const n = 500

	for i := range n {
		key := keyFor(i)
		hash := hashmap.Hash(key)
		m.Combine(key, hash,
			func(value []byte) { binary.LittleEndian.PutUint64(value, uint64(i)) },
			nil,
		)
	}

	assert.Equal(t, n, m.Len())
	assert.Greater(t, m.BucketCount(), 2, "map must have grown past its initial bucket count")

	for i := range n {
		key := keyFor(i)
		hash := hashmap.Hash(key)

		h, ok := m.Find(key, hash)
		require.True(t, ok, "entry %d must survive resize", i)
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(h.Value()))
		assert.Equal(t, key, h.Key())
	}
}

func TestRangeVisitsEveryEntryExactlyOnce(t *testing.T) {
	t.Parallel()

	m := hashmap.New(4, 8)

	const n = 50

	for i := range n {
		key := keyFor(i)
		m.FindOrCreate(key, hashmap.Hash(key), func(value []byte) {
			binary.LittleEndian.PutUint64(value, uint64(i))
		})
	}

	seen := make(map[uint64]bool)
	m.Range(func(h hashmap.Handle) {
		seen[binary.LittleEndian.Uint64(h.Value())] = true
	})
	assert.Len(t, seen, n)
}

func TestBucketCountIsAlwaysPowerOfTwo(t *testing.T) {
	t.Parallel()

	for _, initial := range []int{0, 1, 3, 5, 17, 100} {
		m := hashmap.New(initial, 8)
		count := m.BucketCount()
		assert.Positive(t, count)
		assert.Zero(t, count&(count-1), "bucket count %d must be a power of two", count)
	}
}
