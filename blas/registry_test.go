package blas_test

import (
	"testing"

	"github.com/gomlx/gpuarray/blas"
	"github.com/gomlx/gpuarray/devsim"
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/stretchr/testify/require"
)

func TestSetupTeardownLifecycle(t *testing.T) {
	ctx := devsim.NewContext(1 << 16)
	reg := blas.NewRegistry(devsim.NewBlasEngine(), devsim.NewCompiler())

	require.NoError(t, reg.Setup(ctx))
	require.NoError(t, reg.Setup(ctx), "repeated setup reuses the session")
	require.Equal(t, 0, ctx.Depth())

	reg.Teardown(ctx)
	reg.Teardown(ctx) // no-op on a context without a session
	require.Equal(t, 0, ctx.Depth())

	// A torn-down context gets a fresh session on next use.
	x := upload(t, ctx, []float32{1, 2, 3})
	z := upload(t, ctx, make([]float32, 1))
	require.NoError(t, reg.Dot(dtypes.Float32, 3, x, 1, x, 1, z))
	requireClose(t, []float32{14}, download[float32](t, z, 1))
	reg.Teardown(ctx)
}

func TestSessionsAreDistinctPerContext(t *testing.T) {
	ctxA := devsim.NewContext(1 << 16)
	ctxB := devsim.NewContext(1 << 16)
	reg := blas.NewRegistry(devsim.NewBlasEngine(), devsim.NewCompiler())
	defer reg.Teardown(ctxA)
	defer reg.Teardown(ctxB)

	require.NoError(t, reg.Setup(ctxA))
	require.NoError(t, reg.Setup(ctxB))

	// Tearing one down leaves the other usable.
	reg.Teardown(ctxA)
	x := upload(t, ctxB, []float32{2, 2})
	z := upload(t, ctxB, make([]float32, 1))
	require.NoError(t, reg.Dot(dtypes.Float32, 2, x, 1, x, 1, z))
	requireClose(t, []float32{8}, download[float32](t, z, 1))
}

func TestNoScratchLeaksAcrossBatchedOps(t *testing.T) {
	c, reg := rig(t)
	const m, n, batch = 2, 2, 2
	a := uploadBatch(t, c, [][]float32{fill[float32](m*n, 3), fill[float32](m*n, 4)})
	x := uploadBatch(t, c, [][]float32{fill[float32](n, 5), fill[float32](n, 6)})
	y := uploadBatch(t, c, [][]float32{fill[float32](m, 7), fill[float32](m, 8)})
	require.NoError(t, reg.Setup(c))
	live := c.Live()

	for i := 0; i < 4; i++ {
		require.NoError(t, reg.GemvBatched(dtypes.Float32, blas.RowMajor, blas.NoTrans,
			m, n, 1, a, n, x, 1, 1, y, 1, 0))
		require.NoError(t, reg.GerBatched(dtypes.Float32, blas.RowMajor, m, n, 1,
			x, 1, y, 1, a, n, 0))
	}
	require.Equal(t, live, c.Live(), "every pointer-table scratch must be released")
	require.Equal(t, 0, c.Depth())
}
