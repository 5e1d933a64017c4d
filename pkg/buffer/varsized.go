package buffer

import "encoding/binary"

// VariableSizedAccessSize is the on-wire size of a VariableSizedAccess slot
// (spec.md §6): 16 bytes = index:u32 | offset:u32 | size:u64, little-endian,
// host byte order.
const VariableSizedAccessSize = 16

// VariableSizedAccess addresses a variable-sized payload living in one of a
// TupleBuffer's child buffers.
type VariableSizedAccess struct {
	Index  uint32
	Offset uint32
	Size   uint64
}

// Encode writes the 16-byte little-endian representation into dst.
// dst must have length >= VariableSizedAccessSize.
func (v VariableSizedAccess) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], v.Index)
	binary.LittleEndian.PutUint32(dst[4:8], v.Offset)
	binary.LittleEndian.PutUint64(dst[8:16], v.Size)
}

// DecodeVariableSizedAccess reads a VariableSizedAccess from its 16-byte
// little-endian representation. src must have length >= VariableSizedAccessSize.
func DecodeVariableSizedAccess(src []byte) VariableSizedAccess {
	return VariableSizedAccess{
		Index:  binary.LittleEndian.Uint32(src[0:4]),
		Offset: binary.LittleEndian.Uint32(src[4:8]),
		Size:   binary.LittleEndian.Uint64(src[8:16]),
	}
}
