package operators

import (
	"encoding/binary"
	"fmt"

	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/schema"
)

// encodeKey renders a single grouping-key value as the canonical byte
// representation pkg/window.Slice.FoldKeyed and pkg/join.Handler use as
// ChainedHashMap keys. Every integer width widens to 8 bytes so keys of
// different source widths compare consistently; the field type behind a
// given operator is fixed for its lifetime, so this never mixes widths for
// the same key (spec.md §4.4 "key bytes are the grouping fields'
// concatenation").
func encodeKey(v memprovider.Value) ([]byte, error) {
	b := make([]byte, 8)

	switch v.Type {
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		binary.LittleEndian.PutUint64(b, uint64(v.Int64()))
	case schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		binary.LittleEndian.PutUint64(b, v.UInt64())
	case schema.VarSized:
		return v.Bytes(), nil
	default:
		return nil, fmt.Errorf("operators: field type %s cannot be a grouping key", v.Type)
	}

	return b, nil
}

// decodeKey reverses encodeKey for outType, used to materialize the
// grouping-key field of an emitted aggregation or join output row.
func decodeKey(keyBytes []byte, outType schema.FieldType) (memprovider.Value, error) {
	switch outType {
	case schema.VarSized:
		return memprovider.BytesValue(keyBytes), nil
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64,
		schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		u := binary.LittleEndian.Uint64(keyBytes)

		return widenInt(u, outType), nil
	default:
		return memprovider.Value{}, fmt.Errorf("operators: field type %s cannot be a grouping key", outType)
	}
}

func widenInt(u uint64, t schema.FieldType) memprovider.Value {
	switch t {
	case schema.Int8:
		return memprovider.Int8Value(int8(int64(u))) //nolint:gosec
	case schema.Int16:
		return memprovider.Int16Value(int16(int64(u))) //nolint:gosec
	case schema.Int32:
		return memprovider.Int32Value(int32(int64(u))) //nolint:gosec
	case schema.Int64:
		return memprovider.Int64Value(int64(u)) //nolint:gosec
	case schema.UInt8:
		return memprovider.UInt8Value(uint8(u)) //nolint:gosec
	case schema.UInt16:
		return memprovider.UInt16Value(uint16(u)) //nolint:gosec
	case schema.UInt32:
		return memprovider.UInt32Value(uint32(u)) //nolint:gosec
	default:
		return memprovider.UInt64Value(u)
	}
}
