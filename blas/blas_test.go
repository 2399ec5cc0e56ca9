package blas_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gpuarray/blas"
	"github.com/gomlx/gpuarray/devsim"
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/stretchr/testify/require"
)

type scalar interface {
	float32 | float64
}

func rig(t *testing.T) (*devsim.Context, *blas.Registry) {
	t.Helper()
	ctx := devsim.NewContext(64 << 20)
	reg := blas.NewRegistry(devsim.NewBlasEngine(), devsim.NewCompiler())
	t.Cleanup(func() { reg.Teardown(ctx) })
	return ctx, reg
}

func sizeOf[T scalar]() int {
	var z T
	if _, ok := any(z).(float32); ok {
		return 4
	}
	return 8
}

func dtypeOf[T scalar]() dtypes.DType {
	if sizeOf[T]() == 4 {
		return dtypes.Float32
	}
	return dtypes.Float64
}

func toBytes[T scalar](vals []T) []byte {
	var out []byte
	for _, v := range vals {
		switch x := any(v).(type) {
		case float32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(x))
		case float64:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
		}
	}
	return out
}

func fromBytes[T scalar](raw []byte) []T {
	es := sizeOf[T]()
	out := make([]T, len(raw)/es)
	for i := range out {
		if es == 4 {
			out[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		} else {
			out[i] = T(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return out
}

func upload[T scalar](t *testing.T, ctx *devsim.Context, vals []T) gpudata.Region {
	t.Helper()
	raw := toBytes(vals)
	buf, err := ctx.Alloc(uint64(len(raw)), raw, gpudata.AllocInit)
	require.NoError(t, err)
	t.Cleanup(buf.Release)
	return gpudata.At(buf, 0)
}

func download[T scalar](t *testing.T, r gpudata.Region, n int) []T {
	t.Helper()
	raw := make([]byte, n*sizeOf[T]())
	require.NoError(t, r.Buf.Read(r.Off, raw))
	return fromBytes[T](raw)
}

// fill produces deterministic non-trivial data.
func fill[T scalar](n, seed int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T((i*seed+3)%7) - 3
	}
	return out
}

func requireClose[T scalar](t *testing.T, want, got []T) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, float64(want[i]), float64(got[i]), 1e-4, "element %d", i)
	}
}

// refGemmRM is the naive row-major reference the dispatcher results are
// compared against.
func refGemmRM[T scalar](transA, transB bool, m, n, k int, alpha T,
	a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	at := func(i, p int) T {
		if transA {
			return a[p*lda+i]
		}
		return a[i*lda+p]
	}
	bt := func(p, j int) T {
		if transB {
			return b[j*ldb+p]
		}
		return b[p*ldb+j]
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc T
			for p := 0; p < k; p++ {
				acc += at(i, p) * bt(p, j)
			}
			c[i*ldc+j] = alpha*acc + beta*c[i*ldc+j]
		}
	}
}

func testDot[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	x := []T{1, 2, 3, 4, 5}
	y := []T{2, -1, 0.5, 3, 1}
	xr := upload(t, ctx, x)
	yr := upload(t, ctx, y)
	zr := upload(t, ctx, make([]T, 1))

	require.NoError(t, reg.Dot(dtypeOf[T](), 5, xr, 1, yr, 1, zr))
	require.Equal(t, 0, ctx.Depth())
	requireClose(t, []T{18.5}, download[T](t, zr, 1))

	// Strided x: every other element.
	require.NoError(t, reg.Dot(dtypeOf[T](), 3, xr, 2, yr, 1, zr))
	requireClose(t, []T{2*1 - 1*3 + 0.5*5}, download[T](t, zr, 1))
}

func TestDot(t *testing.T) {
	t.Run("float32", testDot[float32])
	t.Run("float64", testDot[float64])
}

func testGemv[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	// A is the 3x2 matrix {{1,2},{3,4},{5,6}}.
	colMajor := upload(t, ctx, []T{1, 3, 5, 2, 4, 6})
	rowMajor := upload(t, ctx, []T{1, 2, 3, 4, 5, 6})
	x2 := upload(t, ctx, []T{1, 1})
	x3 := upload(t, ctx, []T{1, 1, 1})

	y := upload(t, ctx, make([]T, 3))
	require.NoError(t, reg.Gemv(dt, blas.ColMajor, blas.NoTrans, 3, 2, 1,
		colMajor, 3, x2, 1, 0, y, 1))
	requireClose(t, []T{3, 7, 11}, download[T](t, y, 3))

	yt := upload(t, ctx, make([]T, 2))
	require.NoError(t, reg.Gemv(dt, blas.ColMajor, blas.Trans, 3, 2, 1,
		colMajor, 3, x3, 1, 0, yt, 1))
	requireClose(t, []T{9, 12}, download[T](t, yt, 2))

	// The same problems expressed row-major.
	yr := upload(t, ctx, []T{1, 1, 1})
	require.NoError(t, reg.Gemv(dt, blas.RowMajor, blas.NoTrans, 3, 2, 1,
		rowMajor, 2, x2, 1, 2, yr, 1))
	requireClose(t, []T{5, 9, 13}, download[T](t, yr, 3))

	yrt := upload(t, ctx, make([]T, 2))
	require.NoError(t, reg.Gemv(dt, blas.RowMajor, blas.Trans, 3, 2, 1,
		rowMajor, 2, x3, 1, 0, yrt, 1))
	requireClose(t, []T{9, 12}, download[T](t, yrt, 2))
}

func TestGemv(t *testing.T) {
	t.Run("float32", testGemv[float32])
	t.Run("float64", testGemv[float64])
}

func testGemmOrders[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, k = 4, 3, 5
	a := fill[T](m*k, 5)
	b := fill[T](k*n, 11)
	cInit := fill[T](m*n, 2)
	const alpha, beta = 2, 0.5

	want := append([]T(nil), cInit...)
	refGemmRM[T](false, false, m, n, k, alpha, a, k, b, n, beta, want, n)

	// Row-major as stored.
	ar := upload(t, ctx, a)
	br := upload(t, ctx, b)
	cr := upload(t, ctx, cInit)
	require.NoError(t, reg.Gemm(dt, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		m, n, k, alpha, ar, k, br, n, beta, cr, n))
	requireClose(t, want, download[T](t, cr, m*n))

	// The same bytes read column-major describe the transposed matrices:
	// computing C^T = B^T A^T column-major must write C's row-major bytes.
	cc := upload(t, ctx, make([]T, m*n))
	require.NoError(t, reg.Gemm(dt, blas.ColMajor, blas.NoTrans, blas.NoTrans,
		n, m, k, alpha, br, n, ar, k, 0, cc, n))
	got := download[T](t, cc, m*n)
	noBeta := make([]T, m*n)
	refGemmRM[T](false, false, m, n, k, alpha, a, k, b, n, 0, noBeta, n)
	requireClose(t, noBeta, got)
	require.Equal(t, 0, ctx.Depth())
}

func TestGemmOrders(t *testing.T) {
	t.Run("float32", testGemmOrders[float32])
	t.Run("float64", testGemmOrders[float64])
}

func uploadF16(t *testing.T, ctx *devsim.Context, vals []float32) gpudata.Region {
	t.Helper()
	raw := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(raw[i*2:], dtypes.Float32ToFloat16(v))
	}
	buf, err := ctx.Alloc(uint64(len(raw)), raw, gpudata.AllocInit)
	require.NoError(t, err)
	t.Cleanup(buf.Release)
	return gpudata.At(buf, 0)
}

func downloadF16(t *testing.T, r gpudata.Region, n int) []float32 {
	t.Helper()
	raw := make([]byte, n*2)
	require.NoError(t, r.Buf.Read(r.Off, raw))
	out := make([]float32, n)
	for i := range out {
		out[i] = dtypes.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

func TestGemmHalf(t *testing.T) {
	ctx, reg := rig(t)
	// Values exactly representable in half precision.
	a := uploadF16(t, ctx, []float32{1, 2, 3, 4})
	b := uploadF16(t, ctx, []float32{0.5, 1, 1, 2})
	c := uploadF16(t, ctx, make([]float32, 4))

	require.NoError(t, reg.Gemm(dtypes.Float16, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		2, 2, 2, 1, a, 2, b, 2, 0, c, 2))
	require.Equal(t, []float32{2.5, 5, 5.5, 11}, downloadF16(t, c, 4))

	// Half precision has no dot entry point.
	z := uploadF16(t, ctx, make([]float32, 1))
	err := reg.Dot(dtypes.Float16, 2, a, 1, b, 1, z)
	require.ErrorIs(t, err, gpudata.ErrDeviceUnsupported)
}

func testGer[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	x := upload(t, ctx, []T{1, 2})
	y := upload(t, ctx, []T{3, 4, 5})

	// Column-major 2x3 update from zero: A[i,j] = x[i]*y[j].
	a := upload(t, ctx, make([]T, 6))
	require.NoError(t, reg.Ger(dt, blas.ColMajor, 2, 3, 1, x, 1, y, 1, a, 2))
	requireClose(t, []T{3, 6, 4, 8, 5, 10}, download[T](t, a, 6))

	// The same update row-major, with scaling and a preset A.
	ar := upload(t, ctx, []T{1, 1, 1, 1, 1, 1})
	require.NoError(t, reg.Ger(dt, blas.RowMajor, 2, 3, 2, x, 1, y, 1, ar, 3))
	requireClose(t, []T{7, 9, 11, 13, 17, 21}, download[T](t, ar, 6))
	require.Equal(t, 0, ctx.Depth())
}

func TestGer(t *testing.T) {
	t.Run("float32", testGer[float32])
	t.Run("float64", testGer[float64])
}

func testGemmStridedBatched[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, k, batch = 3, 2, 4, 3
	a := fill[T](m*k*batch, 7)
	b := fill[T](k*n*batch, 13)
	c := make([]T, m*n*batch)

	ar := upload(t, ctx, a)
	br := upload(t, ctx, b)
	cr := upload(t, ctx, c)
	require.NoError(t, reg.GemmStridedBatched(dt, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		m, n, k, 1, ar, k, int64(m*k), br, n, int64(k*n), 0, cr, n, int64(m*n), batch))

	want := make([]T, m*n*batch)
	for i := 0; i < batch; i++ {
		refGemmRM[T](false, false, m, n, k, 1,
			a[i*m*k:], k, b[i*k*n:], n, 0, want[i*m*n:], n)
	}
	requireClose(t, want, download[T](t, cr, m*n*batch))
}

func TestGemmStridedBatched(t *testing.T) {
	t.Run("float32", testGemmStridedBatched[float32])
	t.Run("float64", testGemmStridedBatched[float64])
}

func TestGemmStridedBatchedHalf(t *testing.T) {
	ctx, reg := rig(t)
	a := uploadF16(t, ctx, []float32{1, 2, 3, 4, 0.5, 1, 2, 4})
	b := uploadF16(t, ctx, []float32{1, 0, 0, 1, 2, 0, 0, 2})
	c := uploadF16(t, ctx, make([]float32, 8))

	require.NoError(t, reg.GemmStridedBatched(dtypes.Float16, blas.RowMajor,
		blas.NoTrans, blas.NoTrans, 2, 2, 2, 1, a, 2, 4, b, 2, 4, 0, c, 2, 4, 2))
	require.Equal(t, []float32{1, 2, 3, 4, 1, 2, 4, 8}, downloadF16(t, c, 8))
}
