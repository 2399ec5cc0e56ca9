package blas

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// Gemv computes y = alpha*op(A)*x + beta*y where op(A) is m×n. Supported
// for Float32 and Float64.
func (r *Registry) Gemv(dt dtypes.DType, order Order, transA Transpose,
	m, n int, alpha float64,
	a gpudata.Region, lda int,
	x gpudata.Region, incX int, beta float64,
	y gpudata.Region, incY int) error {
	ctx := a.Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	if err := gpudata.SameContext(ctx, a, x, y); err != nil {
		return err
	}
	if err := dtypeSlot(dt, false); err != nil {
		return err
	}
	if err := checkGemvSizes(m, n, lda, incX, incY); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	if !r.engine.Supports(OpGemv, dt) {
		return unsupported("gemv for " + dt.String())
	}

	if order == RowMajor {
		// A row-major m×n matrix is the column-major n×m transpose, so the
		// stored shape swaps and the trans flag inverts. x and y keep their
		// op-relative lengths.
		m, n = n, m
		transA = transA.flip()
	}
	// x spans the op's column count, y its row count; through the trans
	// flag those are the stored (m, n) or their swap.
	xLen, yLen := opDims(transA, n, m)
	if err := a.CheckFits(matrixElems(m, n, lda), dt.Size()); err != nil {
		return err
	}
	if err := x.CheckFits(vectorElems(xLen, incX), dt.Size()); err != nil {
		return err
	}
	if err := y.CheckFits(vectorElems(yLen, incY), dt.Size()); err != nil {
		return err
	}

	uses := []gpudata.Use{
		{Buf: a.Buf, Mode: gpudata.AccessRead},
		{Buf: x.Buf, Mode: gpudata.AccessRead},
		{Buf: y.Buf, Mode: gpudata.AccessAll},
	}
	return gpudata.Run(ctx, uses, func() error {
		return execError("gemv",
			s.handle.Gemv(dt, transA, m, n, alpha,
				a.Ptr(), lda, x.Ptr(), incX, beta, y.Ptr(), incY))
	})
}

// GemvBatched accumulates y[i] += op(A[i])*x[i] for every batch element
// with one fallback-kernel launch; the vendor library has no batched GEMV
// entry point. Restricted to alpha == 1, beta == 1 and positive unit-step
// or strided increments; flags is reserved and must be 0. Supported for
// Float32 and Float64.
func (r *Registry) GemvBatched(dt dtypes.DType, order Order, transA Transpose,
	m, n int, alpha float64,
	a []gpudata.Region, lda int,
	x []gpudata.Region, incX int, beta float64,
	y []gpudata.Region, incY int, flags int) error {
	if flags != 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "flags not set to 0")
	}
	batchCount := len(a)
	if batchCount == 0 || len(x) != batchCount || len(y) != batchCount {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"batch lengths disagree: %d A, %d x, %d y", len(a), len(x), len(y))
	}
	if alpha != 1 || beta != 1 {
		return errors.WithMessage(gpudata.ErrUnsupportedOperation,
			"batched gemv only supports alpha = 1 and beta = 1")
	}
	ctx := a[0].Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	for _, batch := range [][]gpudata.Region{a, x, y} {
		if err := gpudata.SameContext(ctx, batch...); err != nil {
			return err
		}
	}
	if err := dtypeSlot(dt, false); err != nil {
		return err
	}
	if incX < 1 || incY < 1 {
		return errors.WithMessage(gpudata.ErrInvalidArgument,
			"batched gemv requires positive increments")
	}
	if err := checkGemvSizes(m, n, lda, incX, incY); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}

	if order == RowMajor {
		m, n = n, m
		transA = transA.flip()
	}
	// The kernels compute an op-shaped m×n product: fold the trans flag
	// into the dimensions and pick the matching access-pattern kernel.
	kern := s.gemvKernel(dt, transA)
	km, kn := opDims(transA, m, n)
	for i := 0; i < batchCount; i++ {
		if err := a[i].CheckFits(matrixElems(m, n, lda), dt.Size()); err != nil {
			return err
		}
		if err := x[i].CheckFits(vectorElems(kn, incX), dt.Size()); err != nil {
			return err
		}
		if err := y[i].CheckFits(vectorElems(km, incY), dt.Size()); err != nil {
			return err
		}
	}
	grid, block := gemvBatchedGeometry(km, batchCount)

	ctx.Enter()
	exitErr := func(err error) error {
		ctx.Exit()
		return err
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Wait(a[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(x[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(y[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	tbl, err := stagePointerTables(ctx, regionPtrs(a), regionPtrs(x), regionPtrs(y))
	if err != nil {
		return exitErr(err)
	}
	args := []any{
		tbl.Role(0), uint64(lda),
		tbl.Role(1), uint64(incX),
		tbl.Role(2), uint64(incY),
		uint64(batchCount), uint64(km), uint64(kn),
	}
	err = kern.Launch(grid, block, 0, args)
	tbl.Release()
	if err != nil {
		return exitErr(execError("batched gemv kernel", err))
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Record(a[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(x[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(y[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	ctx.Exit()
	return nil
}
