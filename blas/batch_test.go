package blas_test

import (
	"testing"

	"github.com/gomlx/gpuarray/blas"
	"github.com/gomlx/gpuarray/devsim"
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func uploadBatch[T scalar](t *testing.T, ctx *devsim.Context, batch [][]T) []gpudata.Region {
	t.Helper()
	regions := make([]gpudata.Region, len(batch))
	for i, vals := range batch {
		regions[i] = upload(t, ctx, vals)
	}
	return regions
}

func testGemmBatchedPointerPath[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, k, batch = 2, 3, 4, 3

	var as, bs, cs [][]T
	for i := 0; i < batch; i++ {
		as = append(as, fill[T](m*k, 3+i))
		bs = append(bs, fill[T](k*n, 5+i))
		cs = append(cs, fill[T](m*n, 7+i))
	}
	ar := uploadBatch(t, ctx, as)
	br := uploadBatch(t, ctx, bs)
	cr := uploadBatch(t, ctx, cs)
	require.NoError(t, reg.Setup(ctx))

	allocs, releases := ctx.Allocs(), ctx.Releases()
	require.NoError(t, reg.GemmBatched(dt, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		m, n, k, 2, ar, k, br, n, 0.5, cr, n))
	// Small problems stage exactly one pointer-table scratch buffer and
	// release it before returning.
	require.Equal(t, allocs+1, ctx.Allocs())
	require.Equal(t, releases+1, ctx.Releases())
	require.Equal(t, 0, ctx.Depth())

	for i := 0; i < batch; i++ {
		want := append([]T(nil), cs[i]...)
		refGemmRM[T](false, false, m, n, k, 2, as[i], k, bs[i], n, 0.5, want, n)
		requireClose(t, want, download[T](t, cr[i], m*n))
	}
}

func TestGemmBatchedPointerPath(t *testing.T) {
	t.Run("float32", testGemmBatchedPointerPath[float32])
	t.Run("float64", testGemmBatchedPointerPath[float64])
}

func TestGemmBatchedLargeGoesSequential(t *testing.T) {
	ctx, reg := rig(t)
	// Just over the per-matrix work cutoff, so the dispatcher issues
	// sequential calls and never stages a pointer table.
	const dim = 651
	a := make([]float32, dim*dim)
	b := make([]float32, dim*dim)
	a[0] = 2
	b[0] = 3
	ar := uploadBatch(t, ctx, [][]float32{a})
	br := uploadBatch(t, ctx, [][]float32{b})
	cr := uploadBatch(t, ctx, [][]float32{make([]float32, dim*dim)})
	require.NoError(t, reg.Setup(ctx))

	allocs := ctx.Allocs()
	require.NoError(t, reg.GemmBatched(dtypes.Float32, blas.ColMajor,
		blas.NoTrans, blas.NoTrans, dim, dim, dim, 1, ar, dim, br, dim, 0, cr, dim))
	require.Equal(t, allocs, ctx.Allocs())

	got := download[float32](t, cr[0], 2)
	require.Equal(t, float32(6), got[0])
	require.Equal(t, float32(0), got[1])
}

func TestGemmBatchedRejectsHalf(t *testing.T) {
	ctx, reg := rig(t)
	a := uploadF16(t, ctx, []float32{1, 2, 3, 4})
	err := reg.GemmBatched(dtypes.Float16, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		2, 2, 2, 1, []gpudata.Region{a}, 2, []gpudata.Region{a}, 2, 0,
		[]gpudata.Region{a}, 2)
	require.ErrorIs(t, err, gpudata.ErrDeviceUnsupported)
}

func testGemvBatched[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, batch = 3, 2, 4

	var as, xs, ys [][]T
	for i := 0; i < batch; i++ {
		as = append(as, fill[T](m*n, 3+i))
		xs = append(xs, fill[T](n, 5+i))
		ys = append(ys, fill[T](m, 7+i))
	}
	ar := uploadBatch(t, ctx, as)
	xr := uploadBatch(t, ctx, xs)
	yr := uploadBatch(t, ctx, ys)

	// Row-major, no transpose: y[i] += A[i]*x[i].
	require.NoError(t, reg.GemvBatched(dt, blas.RowMajor, blas.NoTrans,
		m, n, 1, ar, n, xr, 1, 1, yr, 1, 0))
	require.Equal(t, 0, ctx.Depth())
	for p := 0; p < batch; p++ {
		want := append([]T(nil), ys[p]...)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				want[i] += as[p][i*n+j] * xs[p][j]
			}
		}
		requireClose(t, want, download[T](t, yr[p], m))
	}
}

func TestGemvBatched(t *testing.T) {
	t.Run("float32", testGemvBatched[float32])
	t.Run("float64", testGemvBatched[float64])
}

func testGemvBatchedTrans[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, batch = 3, 2, 2

	var as, xs, ys [][]T
	for i := 0; i < batch; i++ {
		as = append(as, fill[T](m*n, 3+i))
		xs = append(xs, fill[T](m, 5+i))
		ys = append(ys, fill[T](n, 7+i))
	}
	ar := uploadBatch(t, ctx, as)
	xr := uploadBatch(t, ctx, xs)
	yr := uploadBatch(t, ctx, ys)

	// Row-major transposed: y[i] += A[i]^T * x[i].
	require.NoError(t, reg.GemvBatched(dt, blas.RowMajor, blas.Trans,
		m, n, 1, ar, n, xr, 1, 1, yr, 1, 0))
	for p := 0; p < batch; p++ {
		want := append([]T(nil), ys[p]...)
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				want[j] += as[p][i*n+j] * xs[p][i]
			}
		}
		requireClose(t, want, download[T](t, yr[p], n))
	}
}

func TestGemvBatchedTrans(t *testing.T) {
	t.Run("float32", testGemvBatchedTrans[float32])
	t.Run("float64", testGemvBatchedTrans[float64])
}

func TestGemvBatchedRejections(t *testing.T) {
	ctx, reg := rig(t)
	a := uploadBatch(t, ctx, [][]float32{{1, 2, 3, 4}})
	x := uploadBatch(t, ctx, [][]float32{{1, 1}})
	yInit := []float32{5, 6}
	y := uploadBatch(t, ctx, [][]float32{yInit})

	// Unsupported scaling must fail without touching device data.
	err := reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 2, a, 2, x, 1, 1, y, 1, 0)
	require.ErrorIs(t, err, gpudata.ErrUnsupportedOperation)
	require.Equal(t, yInit, download[float32](t, y[0], 2))

	err = reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 1, a, 2, x, 1, 2, y, 1, 0)
	require.ErrorIs(t, err, gpudata.ErrUnsupportedOperation)

	// The flags argument is reserved.
	err = reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 1, a, 2, x, 1, 1, y, 1, 1)
	require.ErrorIs(t, err, gpudata.ErrInvalidArgument)

	// Only forward increments reach the kernels.
	err = reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 1, a, 2, x, 0, 1, y, 1, 0)
	require.ErrorIs(t, err, gpudata.ErrInvalidArgument)

	require.Equal(t, yInit, download[float32](t, y[0], 2))
	require.Equal(t, 0, ctx.Depth())
}

func testGerBatched[T scalar](t *testing.T) {
	ctx, reg := rig(t)
	dt := dtypeOf[T]()
	const m, n, batch = 2, 3, 3

	var xs, ys, as [][]T
	for i := 0; i < batch; i++ {
		xs = append(xs, fill[T](m, 3+i))
		ys = append(ys, fill[T](n, 5+i))
		as = append(as, fill[T](m*n, 7+i))
	}
	xr := uploadBatch(t, ctx, xs)
	yr := uploadBatch(t, ctx, ys)
	ar := uploadBatch(t, ctx, as)

	// Row-major: A[i] += x[i]*y[i]^T.
	require.NoError(t, reg.GerBatched(dt, blas.RowMajor, m, n, 1,
		xr, 1, yr, 1, ar, n, 0))
	require.Equal(t, 0, ctx.Depth())
	for p := 0; p < batch; p++ {
		want := append([]T(nil), as[p]...)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				want[i*n+j] += xs[p][i] * ys[p][j]
			}
		}
		requireClose(t, want, download[T](t, ar[p], m*n))
	}
}

func TestGerBatched(t *testing.T) {
	t.Run("float32", testGerBatched[float32])
	t.Run("float64", testGerBatched[float64])
}

func TestGerBatchedRejections(t *testing.T) {
	ctx, reg := rig(t)
	x := uploadBatch(t, ctx, [][]float32{{1, 2}})
	y := uploadBatch(t, ctx, [][]float32{{3, 4}})
	aInit := []float32{1, 1, 1, 1}
	a := uploadBatch(t, ctx, [][]float32{aInit})

	err := reg.GerBatched(dtypes.Float32, blas.RowMajor, 2, 2, 2,
		x, 1, y, 1, a, 2, 0)
	require.ErrorIs(t, err, gpudata.ErrUnsupportedOperation)
	require.Equal(t, aInit, download[float32](t, a[0], 4))

	err = reg.GerBatched(dtypes.Float32, blas.RowMajor, 2, 2, 1,
		x, 1, y, 1, a, 2, 7)
	require.ErrorIs(t, err, gpudata.ErrInvalidArgument)
	require.Equal(t, aInit, download[float32](t, a[0], 4))
	require.Equal(t, 0, ctx.Depth())
}

func TestSizeOverflowRejectedBeforeDeviceWork(t *testing.T) {
	ctx, reg := rig(t)
	a := upload(t, ctx, []float32{1, 2, 3, 4})
	require.NoError(t, reg.Setup(ctx))
	allocs := ctx.Allocs()

	err := reg.Gemm(dtypes.Float32, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		1<<31, 2, 2, 1, a, 2, a, 2, 0, a, 2)
	require.ErrorIs(t, err, gpudata.ErrSizeOverflow)

	// Individually small dimensions whose product overflows.
	err = reg.Gemm(dtypes.Float32, blas.RowMajor, blas.NoTrans, blas.NoTrans,
		50000, 50000, 1, 1, a, 1, a, 50000, 0, a, 50000)
	require.ErrorIs(t, err, gpudata.ErrSizeOverflow)

	err = reg.Dot(dtypes.Float32, 2, a, 1<<31, a, 1, a)
	require.ErrorIs(t, err, gpudata.ErrSizeOverflow)

	require.Equal(t, allocs, ctx.Allocs())
	require.Equal(t, 0, ctx.Depth())
}

func TestCrossContextRejected(t *testing.T) {
	ctx, reg := rig(t)
	other := devsim.NewContext(1 << 12)
	x := upload(t, ctx, []float32{1, 2})
	z := upload(t, ctx, make([]float32, 1))

	raw := toBytes([]float32{3, 4})
	foreign, err := other.Alloc(uint64(len(raw)), raw, gpudata.AllocInit)
	require.NoError(t, err)
	defer foreign.Release()

	err = reg.Dot(dtypes.Float32, 2, x, 1, gpudata.At(foreign, 0), 1, z)
	require.ErrorIs(t, err, gpudata.ErrInvalidArgument)
}

func TestPointerStagingFailures(t *testing.T) {
	ctx, reg := rig(t)
	a := uploadBatch(t, ctx, [][]float32{{1, 2, 3, 4}})
	x := uploadBatch(t, ctx, [][]float32{{1, 1}})
	yInit := []float32{5, 6}
	y := uploadBatch(t, ctx, [][]float32{yInit})
	require.NoError(t, reg.Setup(ctx))
	live := ctx.Live()

	ctx.FailNextAllocs(1)
	err := reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 1, a, 2, x, 1, 1, y, 1, 0)
	require.ErrorIs(t, err, gpudata.ErrAllocation)
	require.Equal(t, yInit, download[float32](t, y[0], 2))
	require.Equal(t, live, ctx.Live())
	require.Equal(t, 0, ctx.Depth())

	// A failed table upload must release the scratch buffer.
	boom := errors.New("upload refused")
	ctx.FailNextUpload(boom)
	err = reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
		2, 2, 1, a, 2, x, 1, 1, y, 1, 0)
	require.ErrorIs(t, err, gpudata.ErrExecution)
	ctx.FailNextUpload(nil)
	require.Equal(t, yInit, download[float32](t, y[0], 2))
	require.Equal(t, live, ctx.Live())
	require.Equal(t, 0, ctx.Depth())
}
