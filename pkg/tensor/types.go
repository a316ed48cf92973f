// Package tensor provides device-tagged byte tensors used for KV cache transfers.
package tensor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
	ErrUnsupportedDType = errors.New("unsupported data type")
	ErrOutOfRange       = errors.New("slice out of range")
)

// DType represents element data types.
type DType int

const (
	Invalid DType = iota
	FP16
	BF16
	FP32
	INT32
	INT64
	UINT8
)

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case UINT8:
		return 1
	case FP16, BF16:
		return 2
	case FP32, INT32:
		return 4
	case INT64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case FP16:
		return "float16"
	case BF16:
		return "bfloat16"
	case FP32:
		return "float32"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	case UINT8:
		return "uint8"
	default:
		return "invalid"
	}
}

// ParseDType maps a host engine dtype name to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float16", "fp16", "half":
		return FP16, nil
	case "bfloat16", "bf16":
		return BF16, nil
	case "float32", "fp32", "float":
		return FP32, nil
	case "int32":
		return INT32, nil
	case "int64", "long":
		return INT64, nil
	case "uint8":
		return UINT8, nil
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

// Shape holds tensor dimensions, outermost first.
type Shape []int

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Dim returns dimension i; negative indices count from the end.
func (s Shape) Dim(i int) int {
	if i < 0 {
		i += len(s)
	}
	return s[i]
}

// Equal reports whether two shapes have identical dimensions.
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

// Clone returns a copy that does not alias s.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
