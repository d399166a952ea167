package blob

import (
	"fmt"
	"strings"
)

// DType is the element type of a blob.
type DType int

const (
	InvalidDType DType = iota
	Bool
	Int8
	UInt8
	Int32
	Int64
	Float16
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Bool:    "bool",
	Int8:    "int8",
	UInt8:   "uint8",
	Int32:   "int32",
	Int64:   "int64",
	Float16: "float16",
	Float32: "float32",
	Float64: "float64",
}

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Bool, Int8, UInt8:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

func (d DType) Valid() bool { return d.Size() > 0 }

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

func ParseDType(s string) (DType, error) {
	s = strings.ToLower(s)
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return InvalidDType, fmt.Errorf("unknown dtype %q", s)
}

// Shape is a list of dimension sizes. A nil or empty shape is a scalar.
type Shape []int

func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Valid() bool {
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// ByteSize is the number of bytes a dense tensor of this shape and dtype needs.
func ByteSize(s Shape, d DType) int {
	return s.NumElements() * d.Size()
}
