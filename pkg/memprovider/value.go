// Package memprovider implements schema-driven read/write of fields into and
// out of a TupleBuffer (spec.md §4 "Emit/Scan memory providers"), for both
// Row and Columnar layouts.
//
// Grounded on codefang's pkg/rbtree.Allocator.Hibernate() deinterleave
// step, which transposes a struct-of-arrays into arrays-of-fields — the same
// transform a Columnar MemoryProvider performs; see DESIGN.md.
package memprovider

import (
	"github.com/nebulastream/nes/pkg/schema"
)

// Value is a typed field value read from, or to be written to, a TupleBuffer.
// Exactly one of the typed accessors is meaningful, selected by Type.
type Value struct {
	Type  schema.FieldType
	i64   int64
	u64   uint64
	f64   float64
	b     bool
	bytes []byte // VarSized payload, materialized on read / supplied on write
}

func Int64Value(v int64) Value     { return Value{Type: schema.Int64, i64: v} }
func Int32Value(v int32) Value     { return Value{Type: schema.Int32, i64: int64(v)} }
func Int16Value(v int16) Value     { return Value{Type: schema.Int16, i64: int64(v)} }
func Int8Value(v int8) Value       { return Value{Type: schema.Int8, i64: int64(v)} }
func UInt64Value(v uint64) Value   { return Value{Type: schema.UInt64, u64: v} }
func UInt32Value(v uint32) Value   { return Value{Type: schema.UInt32, u64: uint64(v)} }
func UInt16Value(v uint16) Value   { return Value{Type: schema.UInt16, u64: uint64(v)} }
func UInt8Value(v uint8) Value     { return Value{Type: schema.UInt8, u64: uint64(v)} }
func Float64Value(v float64) Value { return Value{Type: schema.Float64, f64: v} }
func Float32Value(v float32) Value { return Value{Type: schema.Float32, f64: float64(v)} }
func BoolValue(v bool) Value       { return Value{Type: schema.Bool, b: v} }
func BytesValue(v []byte) Value    { return Value{Type: schema.VarSized, bytes: v} }

func (v Value) Int64() int64     { return v.i64 }
func (v Value) Int32() int32     { return int32(v.i64) }
func (v Value) Int16() int16     { return int16(v.i64) }
func (v Value) Int8() int8       { return int8(v.i64) }
func (v Value) UInt64() uint64   { return v.u64 }
func (v Value) UInt32() uint32   { return uint32(v.u64) }
func (v Value) UInt16() uint16   { return uint16(v.u64) }
func (v Value) UInt8() uint8     { return uint8(v.u64) }
func (v Value) Float64() float64 { return v.f64 }
func (v Value) Float32() float32 { return float32(v.f64) }
func (v Value) Bool() bool       { return v.b }
func (v Value) Bytes() []byte    { return v.bytes }
