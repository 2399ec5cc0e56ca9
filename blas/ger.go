package blas

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// Ger computes the rank-1 update A = alpha*x*y^T + A with A m×n.
// Supported for Float32 and Float64.
func (r *Registry) Ger(dt dtypes.DType, order Order,
	m, n int, alpha float64,
	x gpudata.Region, incX int,
	y gpudata.Region, incY int,
	a gpudata.Region, lda int) error {
	ctx := x.Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	if err := gpudata.SameContext(ctx, x, y, a); err != nil {
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
	if !r.engine.Supports(OpGer, dt) {
		return unsupported("ger for " + dt.String())
	}

	if order == RowMajor {
		// A row-major update x*y^T is the column-major update y*x^T of the
		// transposed matrix.
		m, n = n, m
		x, y = y, x
		incX, incY = incY, incX
	}
	if err := x.CheckFits(vectorElems(m, incX), dt.Size()); err != nil {
		return err
	}
	if err := y.CheckFits(vectorElems(n, incY), dt.Size()); err != nil {
		return err
	}
	if err := a.CheckFits(matrixElems(m, n, lda), dt.Size()); err != nil {
		return err
	}

	uses := []gpudata.Use{
		{Buf: x.Buf, Mode: gpudata.AccessRead},
		{Buf: y.Buf, Mode: gpudata.AccessRead},
		{Buf: a.Buf, Mode: gpudata.AccessAll},
	}
	return gpudata.Run(ctx, uses, func() error {
		return execError("ger",
			s.handle.Ger(dt, m, n, alpha,
				x.Ptr(), incX, y.Ptr(), incY, a.Ptr(), lda))
	})
}

// GerBatched accumulates A[i] += x[i]*y[i]^T for every batch element with
// one fallback-kernel launch; the vendor library has no batched GER entry
// point. Restricted to alpha == 1 and positive increments; flags is
// reserved and must be 0. Supported for Float32 and Float64.
func (r *Registry) GerBatched(dt dtypes.DType, order Order,
	m, n int, alpha float64,
	x []gpudata.Region, incX int,
	y []gpudata.Region, incY int,
	a []gpudata.Region, lda int, flags int) error {
	if flags != 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "flags not set to 0")
	}
	batchCount := len(x)
	if batchCount == 0 || len(y) != batchCount || len(a) != batchCount {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"batch lengths disagree: %d x, %d y, %d A", len(x), len(y), len(a))
	}
	if alpha != 1 {
		return errors.WithMessage(gpudata.ErrUnsupportedOperation,
			"batched ger only supports alpha = 1")
	}
	ctx := x[0].Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	for _, batch := range [][]gpudata.Region{x, y, a} {
		if err := gpudata.SameContext(ctx, batch...); err != nil {
			return err
		}
	}
	if err := dtypeSlot(dt, false); err != nil {
		return err
	}
	if incX < 1 || incY < 1 {
		return errors.WithMessage(gpudata.ErrInvalidArgument,
			"batched ger requires positive increments")
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
		x, y = y, x
		incX, incY = incY, incX
	}
	grid, block, ok := gerBatchedGeometry(m, n, batchCount, incX)
	if !ok {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "input too large")
	}
	for i := 0; i < batchCount; i++ {
		if err := x[i].CheckFits(vectorElems(m, incX), dt.Size()); err != nil {
			return err
		}
		if err := y[i].CheckFits(vectorElems(n, incY), dt.Size()); err != nil {
			return err
		}
		if err := a[i].CheckFits(matrixElems(m, n, lda), dt.Size()); err != nil {
			return err
		}
	}

	ctx.Enter()
	exitErr := func(err error) error {
		ctx.Exit()
		return err
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Wait(x[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(y[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(a[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	tbl, err := stagePointerTables(ctx, regionPtrs(x), regionPtrs(y), regionPtrs(a))
	if err != nil {
		return exitErr(err)
	}
	var alphaArg any
	if dt == dtypes.Float32 {
		alphaArg = float32(alpha)
	} else {
		alphaArg = alpha
	}
	args := []any{
		tbl.Role(0), uint64(incX),
		tbl.Role(1), uint64(incY),
		alphaArg,
		tbl.Role(2), uint64(lda),
		uint64(batchCount), uint64(m), uint64(n),
	}
	err = s.gerKernel(dt).Launch(grid, block, 0, args)
	tbl.Release()
	if err != nil {
		return exitErr(execError("batched ger kernel", err))
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Record(x[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(y[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(a[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	ctx.Exit()
	return nil
}
