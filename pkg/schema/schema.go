// Package schema describes the logical shape of records flowing through the
// engine: an ordered list of named, typed fields plus a layout kind
// (spec.md §3). Offsets and record size are derived, never stored twice.
package schema

import "fmt"

// FieldType is the closed set of value types a Field may hold.
type FieldType int

const (
	Int8 FieldType = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	Bool
	// VarSized fields are represented in-buffer by a 16-byte
	// VariableSizedAccess triple (spec.md §3, §6), never inlined directly.
	VarSized
)

// Size returns the in-buffer size in bytes of a field type; for VarSized it
// returns 16, the size of the slot itself (not the payload).
func (t FieldType) Size() int {
	switch t {
	case Int8, UInt8, Bool:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	case VarSized:
		return 16
	default:
		panic(fmt.Sprintf("schema: unknown field type %d", t))
	}
}

func (t FieldType) String() string {
	switch t {
	case Int8:
		return "Int8"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case UInt8:
		return "UInt8"
	case UInt16:
		return "UInt16"
	case UInt32:
		return "UInt32"
	case UInt64:
		return "UInt64"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case Bool:
		return "Bool"
	case VarSized:
		return "VarSized"
	default:
		return "Unknown"
	}
}

// Field is one named, typed column of a Schema.
type Field struct {
	Name string
	Type FieldType
}

// Layout is the in-buffer arrangement of a Schema's fields.
type Layout int

const (
	// Row packs fields in declaration order, natural alignment, one tuple
	// after another (spec.md §3, §6).
	Row Layout = iota
	// Columnar stores each field as its own contiguous array.
	Columnar
)

// Schema is an ordered list of fields plus a layout kind.
type Schema struct {
	Fields []Field
	Layout Layout
}

// New builds a Schema from fields with the given layout.
func New(layout Layout, fields ...Field) *Schema {
	return &Schema{Fields: fields, Layout: layout}
}

// IndexOf returns the position of the named field, or -1 if absent.
func (s *Schema) IndexOf(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}

	return -1
}

// RecordSize returns the packed size in bytes of one Row-layout record
// (sum of all field sizes; VarSized fields contribute their 16-byte slot).
func (s *Schema) RecordSize() int {
	size := 0
	for _, f := range s.Fields {
		size += f.Type.Size()
	}

	return size
}

// RowOffset returns the byte offset of fieldIndex within one Row-layout
// record (sum of the sizes of preceding fields — natural alignment, no
// padding, matching spec.md §3's "fields packed in declaration order").
func (s *Schema) RowOffset(fieldIndex int) int {
	offset := 0
	for i := range fieldIndex {
		offset += s.Fields[i].Type.Size()
	}

	return offset
}
