package memprovider

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/safeconv"
	"github.com/nebulastream/nes/pkg/schema"
)

// Provider reads and writes Schema-typed fields against a TupleBuffer.
// Two implementations exist: Row (fields packed per-tuple) and Columnar
// (one contiguous array per field) — spec.md §3, §6.
type Provider interface {
	Schema() *schema.Schema
	// Capacity returns the maximum number of tuples buf can hold under this
	// schema and layout.
	Capacity(buf buffer.TupleBuffer) int
	// Read returns the value of fieldIndex in tuple tupleIndex.
	Read(buf buffer.TupleBuffer, tupleIndex, fieldIndex int) (Value, error)
	// Write stores v into fieldIndex of tuple tupleIndex. bm is required
	// only when v is a VarSized value (it allocates and attaches a child
	// buffer for the payload); pass nil otherwise.
	Write(bm *buffer.Manager, buf buffer.TupleBuffer, tupleIndex, fieldIndex int, v Value) error
}

// New builds the Provider matching s.Layout.
func New(s *schema.Schema) Provider {
	switch s.Layout {
	case schema.Columnar:
		return &columnarProvider{schema: s}
	default:
		return &rowProvider{schema: s}
	}
}

func capacityFor(s *schema.Schema, bufBytes int) int {
	recordSize := s.RecordSize()
	if recordSize == 0 {
		return 0
	}

	return bufBytes / recordSize
}

// rowProvider implements Row layout: fields packed in declaration order,
// one tuple after another.
type rowProvider struct {
	schema *schema.Schema
}

func (p *rowProvider) Schema() *schema.Schema { return p.schema }

func (p *rowProvider) Capacity(buf buffer.TupleBuffer) int {
	return capacityFor(p.schema, buf.Capacity())
}

func (p *rowProvider) offset(tupleIndex, fieldIndex int) int {
	return tupleIndex*p.schema.RecordSize() + p.schema.RowOffset(fieldIndex)
}

func (p *rowProvider) Read(buf buffer.TupleBuffer, tupleIndex, fieldIndex int) (Value, error) {
	f := p.schema.Fields[fieldIndex]
	off := p.offset(tupleIndex, fieldIndex)

	if f.Type == schema.VarSized {
		return readVarSized(buf, buf.Bytes()[off:off+f.Type.Size()])
	}

	return readFixed(f.Type, buf.Bytes()[off:off+f.Type.Size()]), nil
}

func (p *rowProvider) Write(bm *buffer.Manager, buf buffer.TupleBuffer, tupleIndex, fieldIndex int, v Value) error {
	f := p.schema.Fields[fieldIndex]
	off := p.offset(tupleIndex, fieldIndex)

	if f.Type == schema.VarSized {
		return writeVarSized(bm, buf, buf.Bytes()[off:off+f.Type.Size()], v)
	}

	writeFixed(f.Type, buf.Bytes()[off:off+f.Type.Size()], v)

	return nil
}

// columnarProvider implements Columnar layout: each field is its own
// contiguous array sized to the buffer's tuple capacity.
type columnarProvider struct {
	schema *schema.Schema
}

func (p *columnarProvider) Schema() *schema.Schema { return p.schema }

func (p *columnarProvider) Capacity(buf buffer.TupleBuffer) int {
	return capacityFor(p.schema, buf.Capacity())
}

func (p *columnarProvider) columnBase(capacity, fieldIndex int) int {
	base := 0
	for i := range fieldIndex {
		base += capacity * p.schema.Fields[i].Type.Size()
	}

	return base
}

func (p *columnarProvider) offset(buf buffer.TupleBuffer, tupleIndex, fieldIndex int) int {
	capacity := p.Capacity(buf)

	return p.columnBase(capacity, fieldIndex) + tupleIndex*p.schema.Fields[fieldIndex].Type.Size()
}

func (p *columnarProvider) Read(buf buffer.TupleBuffer, tupleIndex, fieldIndex int) (Value, error) {
	f := p.schema.Fields[fieldIndex]
	off := p.offset(buf, tupleIndex, fieldIndex)

	if f.Type == schema.VarSized {
		return readVarSized(buf, buf.Bytes()[off:off+f.Type.Size()])
	}

	return readFixed(f.Type, buf.Bytes()[off:off+f.Type.Size()]), nil
}

func (p *columnarProvider) Write(bm *buffer.Manager, buf buffer.TupleBuffer, tupleIndex, fieldIndex int, v Value) error {
	f := p.schema.Fields[fieldIndex]
	off := p.offset(buf, tupleIndex, fieldIndex)

	if f.Type == schema.VarSized {
		return writeVarSized(bm, buf, buf.Bytes()[off:off+f.Type.Size()], v)
	}

	writeFixed(f.Type, buf.Bytes()[off:off+f.Type.Size()], v)

	return nil
}

func readFixed(t schema.FieldType, slot []byte) Value {
	le := binary.LittleEndian

	switch t {
	case schema.Int8:
		return Int8Value(int8(slot[0])) //nolint:gosec // truncation is the point
	case schema.UInt8:
		return UInt8Value(slot[0])
	case schema.Bool:
		return BoolValue(slot[0] != 0)
	case schema.Int16:
		return Int16Value(int16(le.Uint16(slot))) //nolint:gosec
	case schema.UInt16:
		return UInt16Value(le.Uint16(slot))
	case schema.Int32:
		return Int32Value(int32(le.Uint32(slot))) //nolint:gosec
	case schema.UInt32:
		return UInt32Value(le.Uint32(slot))
	case schema.Float32:
		return Float32Value(math.Float32frombits(le.Uint32(slot)))
	case schema.Int64:
		return Int64Value(int64(le.Uint64(slot))) //nolint:gosec
	case schema.UInt64:
		return UInt64Value(le.Uint64(slot))
	case schema.Float64:
		return Float64Value(math.Float64frombits(le.Uint64(slot)))
	default:
		panic(fmt.Sprintf("memprovider: readFixed called on non-fixed type %s", t))
	}
}

func writeFixed(t schema.FieldType, slot []byte, v Value) {
	le := binary.LittleEndian

	switch t {
	case schema.Int8:
		slot[0] = byte(v.Int8())
	case schema.UInt8:
		slot[0] = v.UInt8()
	case schema.Bool:
		if v.Bool() {
			slot[0] = 1
		} else {
			slot[0] = 0
		}
	case schema.Int16:
		le.PutUint16(slot, uint16(v.Int16()))
	case schema.UInt16:
		le.PutUint16(slot, v.UInt16())
	case schema.Int32:
		le.PutUint32(slot, uint32(v.Int32()))
	case schema.UInt32:
		le.PutUint32(slot, v.UInt32())
	case schema.Float32:
		le.PutUint32(slot, math.Float32bits(v.Float32()))
	case schema.Int64:
		le.PutUint64(slot, uint64(v.Int64()))
	case schema.UInt64:
		le.PutUint64(slot, v.UInt64())
	case schema.Float64:
		le.PutUint64(slot, math.Float64bits(v.Float64()))
	default:
		panic(fmt.Sprintf("memprovider: writeFixed called on non-fixed type %s", t))
	}
}

// readVarSized decodes the VariableSizedAccess slot, loads the referenced
// child, and returns a copy of its bytes. The copy outlives the temporary
// child handle; the parent's own reference (held since AttachChild) keeps
// the data valid for the parent's lifetime regardless (spec.md §3).
func readVarSized(buf buffer.TupleBuffer, slot []byte) (Value, error) {
	vsa := buffer.DecodeVariableSizedAccess(slot)

	child, err := buffer.LoadChild(buf, vsa.Index)
	if err != nil {
		return Value{}, fmt.Errorf("read var-sized field: %w", err)
	}

	size := safeconv.MustUint64ToInt(vsa.Size)
	start := safeconv.MustUint32ToInt(vsa.Offset)

	out := make([]byte, size)
	copy(out, child.Bytes()[start:start+size])

	if relErr := child.Release(); relErr != nil {
		return Value{}, fmt.Errorf("read var-sized field: release child: %w", relErr)
	}

	return BytesValue(out), nil
}

// writeVarSized allocates an unpooled child buffer for the payload, attaches
// it to the parent, and writes the resulting VariableSizedAccess triple into
// the field's 16-byte slot.
func writeVarSized(bm *buffer.Manager, buf buffer.TupleBuffer, slot []byte, v Value) error {
	payload := v.Bytes()

	child, err := bm.GetUnpooledBuffer(max(len(payload), 1))
	if err != nil {
		return fmt.Errorf("write var-sized field: %w", err)
	}

	copy(child.Bytes(), payload)

	idx, err := buffer.AttachChild(buf, child)
	if err != nil {
		return fmt.Errorf("write var-sized field: %w", err)
	}

	vsa := buffer.VariableSizedAccess{Index: idx, Offset: 0, Size: safeconv.MustIntToUint64(len(payload))}
	vsa.Encode(slot)

	return nil
}
