package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Type: the VM type system
// ---------------------------------------------------------------------------

// Type identifies a Fusabi value type. The numeric values double as the
// tag bytes used in the .fzb constant pool encoding.
type Type uint8

const (
	TypeUnit   Type = 0
	TypeBool   Type = 1
	TypeI32    Type = 2
	TypeI64    Type = 3
	TypeF32    Type = 4
	TypeF64    Type = 5
	TypeChar   Type = 6
	TypeString Type = 7
)

// typeNames maps types to their display names.
var typeNames = [...]string{
	TypeUnit:   "Unit",
	TypeBool:   "Bool",
	TypeI32:    "I32",
	TypeI64:    "I64",
	TypeF32:    "F32",
	TypeF64:    "F64",
	TypeChar:   "Char",
	TypeString: "String",
}

// IsValid returns true if t is a recognized type tag.
func (t Type) IsValid() bool {
	return int(t) < len(typeNames)
}

// String implements the Stringer interface.
func (t Type) String() string {
	if !t.IsValid() {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeNames[t]
}

// ---------------------------------------------------------------------------
// Value: tagged runtime value
// ---------------------------------------------------------------------------

// Value is an immutable Fusabi runtime value.
//
// Scalar payloads (Bool, I32, I64, F32, F64, Char) live in a single uint64
// bit field; String payloads are kept separately. The zero Value is Unit.
type Value struct {
	kind Type
	bits uint64
	str  string
}

// Unit is the unit value.
var Unit = Value{kind: TypeUnit}

// BoolValue creates a Bool value.
func BoolValue(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{kind: TypeBool, bits: bits}
}

// I32Value creates an I32 value.
func I32Value(n int32) Value {
	return Value{kind: TypeI32, bits: uint64(uint32(n))}
}

// I64Value creates an I64 value.
func I64Value(n int64) Value {
	return Value{kind: TypeI64, bits: uint64(n)}
}

// F32Value creates an F32 value.
func F32Value(f float32) Value {
	return Value{kind: TypeF32, bits: uint64(math.Float32bits(f))}
}

// F64Value creates an F64 value.
func F64Value(f float64) Value {
	return Value{kind: TypeF64, bits: math.Float64bits(f)}
}

// CharValue creates a Char value from a Unicode scalar.
func CharValue(r rune) Value {
	return Value{kind: TypeChar, bits: uint64(uint32(r))}
}

// StringValue creates a String value.
func StringValue(s string) Value {
	return Value{kind: TypeString, str: s}
}

// Kind returns the value's type tag.
func (v Value) Kind() Type {
	return v.kind
}

// TypeName returns the display name of the value's type.
func (v Value) TypeName() string {
	return v.kind.String()
}

// HeapBytes returns the number of heap-backed payload bytes this value
// carries. Only Strings are heap-backed; all other payloads are inline.
func (v Value) HeapBytes() int {
	if v.kind == TypeString {
		return len(v.str)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// Bool returns the Bool payload without checking the tag.
func (v Value) Bool() bool { return v.bits != 0 }

// I32 returns the I32 payload without checking the tag.
func (v Value) I32() int32 { return int32(uint32(v.bits)) }

// I64 returns the I64 payload without checking the tag.
func (v Value) I64() int64 { return int64(v.bits) }

// F32 returns the F32 payload without checking the tag.
func (v Value) F32() float32 { return math.Float32frombits(uint32(v.bits)) }

// F64 returns the F64 payload without checking the tag.
func (v Value) F64() float64 { return math.Float64frombits(v.bits) }

// Char returns the Char payload without checking the tag.
func (v Value) Char() rune { return rune(uint32(v.bits)) }

// Str returns the String payload without checking the tag.
func (v Value) Str() string { return v.str }

// AsBool returns the Bool payload, or a type error.
func (v Value) AsBool() (bool, error) {
	if v.kind != TypeBool {
		return false, &TypeMismatchError{Expected: TypeBool, Got: v.kind}
	}
	return v.Bool(), nil
}

// AsI32 returns the I32 payload, or a type error.
func (v Value) AsI32() (int32, error) {
	if v.kind != TypeI32 {
		return 0, &TypeMismatchError{Expected: TypeI32, Got: v.kind}
	}
	return v.I32(), nil
}

// AsI64 returns the I64 payload, or a type error.
func (v Value) AsI64() (int64, error) {
	if v.kind != TypeI64 {
		return 0, &TypeMismatchError{Expected: TypeI64, Got: v.kind}
	}
	return v.I64(), nil
}

// AsString returns the String payload, or a type error.
func (v Value) AsString() (string, error) {
	if v.kind != TypeString {
		return "", &TypeMismatchError{Expected: TypeString, Got: v.kind}
	}
	return v.str, nil
}

// ---------------------------------------------------------------------------
// Equality and display
// ---------------------------------------------------------------------------

// Equal reports deep equality between two values. Values of different
// types are never equal; F32/F64 compare by IEEE semantics (NaN != NaN).
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case TypeUnit:
		return true
	case TypeF32:
		return v.F32() == o.F32()
	case TypeF64:
		return v.F64() == o.F64()
	case TypeString:
		return v.str == o.str
	default:
		return v.bits == o.bits
	}
}

// String renders the value in its source-level display form.
func (v Value) String() string {
	switch v.kind {
	case TypeUnit:
		return "()"
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool())
	case TypeI32:
		return fmt.Sprintf("%d", v.I32())
	case TypeI64:
		return fmt.Sprintf("%d", v.I64())
	case TypeF32:
		return fmt.Sprintf("%v", v.F32())
	case TypeF64:
		return fmt.Sprintf("%v", v.F64())
	case TypeChar:
		return fmt.Sprintf("'%c'", v.Char())
	case TypeString:
		return fmt.Sprintf("%q", v.str)
	default:
		return fmt.Sprintf("Value(%d)", uint8(v.kind))
	}
}
