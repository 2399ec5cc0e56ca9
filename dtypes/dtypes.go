// Package dtypes declares the element types understood by the gpuarray
// backend.
//
// The dense BLAS dispatcher operates on Float16, Float32 and Float64; the
// collective dispatcher additionally accepts the integer types for which
// the communication libraries define wire formats.
package dtypes

import "github.com/x448/float16"

//go:generate go tool enumer -type=DType -output=dtype_enumer.go

// DType is the element type of the data held in a device buffer.
type DType int32

const (
	Invalid DType = iota
	Int8
	Int32
	Int64
	Uint64
	Float16
	Float32
	Float64
)

// Size returns the size of one element in bytes, or 0 for Invalid.
func (dt DType) Size() int {
	switch dt {
	case Int8:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// SizeForCount returns the number of bytes needed to hold count elements.
func (dt DType) SizeForCount(count int) uint64 {
	return uint64(dt.Size()) * uint64(count)
}

// IsFloat reports whether dt is one of the floating-point types.
func (dt DType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}

// Float16ToFloat32 converts a raw half-precision bit pattern to float32.
func Float16ToFloat32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// Float32ToFloat16 converts a float32 to the nearest half-precision bit
// pattern (IEEE round-to-nearest-even, as the device does).
func Float32ToFloat16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}
