package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizes(t *testing.T) {
	require.Equal(t, 0, Invalid.Size())
	require.Equal(t, 1, Int8.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Int32.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Int64.Size())
	require.Equal(t, 8, Uint64.Size())
	require.Equal(t, 8, Float64.Size())

	require.Equal(t, uint64(24), Float64.SizeForCount(3))
	require.Equal(t, uint64(0), Invalid.SizeForCount(100))
}

func TestStrings(t *testing.T) {
	require.Equal(t, "Float16", Float16.String())
	require.Equal(t, "Uint64", Uint64.String())
	require.Equal(t, "DType(100)", DType(100).String())

	dt, err := DTypeString("float32")
	require.NoError(t, err)
	require.Equal(t, Float32, dt)
	_, err = DTypeString("complex128")
	require.Error(t, err)
}

func TestFloat16Conversions(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 65504, -2.25} {
		bits := Float32ToFloat16(v)
		require.Equal(t, v, Float16ToFloat32(bits), "value %v should round-trip exactly", v)
	}
	// 1/3 is not representable in half precision, conversion rounds.
	bits := Float32ToFloat16(1.0 / 3.0)
	back := Float16ToFloat32(bits)
	require.InDelta(t, 1.0/3.0, back, 1e-3)
	require.NotEqual(t, float32(1.0/3.0), back)
}
