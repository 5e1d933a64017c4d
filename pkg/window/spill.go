package window

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"github.com/nebulastream/nes/pkg/engineerr"
)

// SpillNonKeyed LZ4-block-compresses a non-keyed slice's accumulator state
// into a length-prefixed byte slice that UnspillNonKeyed restores. No
// operator or Store in this module calls it.
// Grounded on codefang's internal/rbtree.CompressUInt32Slice.
func SpillNonKeyed(s *Slice) ([]byte, error) {
	if s.Keyed != nil {
		return nil, engineerr.New(engineerr.KindInvariantViolation, "SpillNonKeyed called on a keyed slice")
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(s.NonKeyed)))

	n, err := lz4.CompressBlock(s.NonKeyed, compressed, nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindIoError, "lz4 compress slice state", err)
	}

	if n == 0 {
		// Incompressible input: lz4.CompressBlock returns 0 rather than
		// expanding it. Fall back to storing the raw bytes with a sentinel
		// length prefix of 0.
		return append([]byte{0, 0, 0, 0}, s.NonKeyed...), nil
	}

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(n)) //nolint:gosec // StateSize is always small

	return append(header, compressed[:n]...), nil
}

// UnspillNonKeyed restores a StateSize-byte accumulator previously produced
// by SpillNonKeyed.
func UnspillNonKeyed(data []byte) ([]byte, error) {
	n := binary.LittleEndian.Uint32(data[:4])
	if n == 0 {
		return append([]byte(nil), data[4:]...), nil
	}

	out := make([]byte, StateSize)

	if _, err := lz4.UncompressBlock(data[4:4+n], out); err != nil {
		return nil, engineerr.Wrap(engineerr.KindIoError, "lz4 decompress slice state", err)
	}

	return out, nil
}
