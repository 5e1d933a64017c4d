package hashmap

import "hash/fnv"

// Hash computes a 64-bit FNV-1a hash of key bytes, the default hash function
// used to derive bucket/chain placement for grouping-key bytes throughout
// pkg/window and pkg/join.
func Hash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key) //nolint:errcheck // hash.Hash64.Write never returns an error

	return h.Sum64()
}
