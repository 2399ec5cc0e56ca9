package blas

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// Gemm computes C = alpha*op(A)*op(B) + beta*C for an m×n output. The
// half-precision form computes in single precision internally when no
// native half path exists.
func (r *Registry) Gemm(dt dtypes.DType, order Order, transA, transB Transpose,
	m, n, k int, alpha float64,
	a gpudata.Region, lda int,
	b gpudata.Region, ldb int, beta float64,
	c gpudata.Region, ldc int) error {
	ctx := a.Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	if err := gpudata.SameContext(ctx, a, b, c); err != nil {
		return err
	}
	if err := dtypeSlot(dt, true); err != nil {
		return err
	}
	if err := checkGemmSizes(m, n, k, lda, ldb, ldc); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	if !r.engine.Supports(OpGemm, dt) {
		return unsupported("gemm for " + dt.String())
	}

	if order == RowMajor {
		// Rewrite as the equivalent column-major problem: C' = B'A'.
		m, n = n, m
		a, b = b, a
		lda, ldb = ldb, lda
		transA, transB = transB, transA
	}
	if err := checkMatrix(a, dt, transA, m, k, lda); err != nil {
		return err
	}
	if err := checkMatrix(b, dt, transB, k, n, ldb); err != nil {
		return err
	}
	if err := checkMatrix(c, dt, NoTrans, m, n, ldc); err != nil {
		return err
	}

	uses := []gpudata.Use{
		{Buf: a.Buf, Mode: gpudata.AccessRead},
		{Buf: b.Buf, Mode: gpudata.AccessRead},
		{Buf: c.Buf, Mode: gpudata.AccessAll},
	}
	return gpudata.Run(ctx, uses, func() error {
		return execError("gemm",
			s.handle.Gemm(dt, transA, transB, m, n, k, alpha,
				a.Ptr(), lda, b.Ptr(), ldb, beta, c.Ptr(), ldc))
	})
}

// gemmBatchedCutoff is the per-matrix work estimate (M*N*K) above which a
// pointer-array batch is dispatched as sequential vendor calls instead:
// for large problems the per-call overhead amortizes and the pointer-array
// staging is pure cost.
const gemmBatchedCutoff = 650 * 650 * 650

// GemmBatched performs one GEMM per batch element over independent
// buffers. Small problems are staged as a device pointer table and issued
// as one vendor batched call; large ones (per-matrix work above the
// cutoff) as sequential vendor calls. Supported for Float32 and Float64.
func (r *Registry) GemmBatched(dt dtypes.DType, order Order, transA, transB Transpose,
	m, n, k int, alpha float64,
	a []gpudata.Region, lda int,
	b []gpudata.Region, ldb int, beta float64,
	c []gpudata.Region, ldc int) error {
	batchCount := len(a)
	if batchCount == 0 || len(b) != batchCount || len(c) != batchCount {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"batch lengths disagree: %d A, %d B, %d C", len(a), len(b), len(c))
	}
	ctx := a[0].Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	for _, batch := range [][]gpudata.Region{a, b, c} {
		if err := gpudata.SameContext(ctx, batch...); err != nil {
			return err
		}
	}
	if err := dtypeSlot(dt, false); err != nil {
		return err
	}
	if err := checkGemmSizes(m, n, k, lda, ldb, ldc); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}

	if order == RowMajor {
		m, n = n, m
		a, b = b, a
		lda, ldb = ldb, lda
		transA, transB = transB, transA
	}
	for i := 0; i < batchCount; i++ {
		if err := checkMatrix(a[i], dt, transA, m, k, lda); err != nil {
			return err
		}
		if err := checkMatrix(b[i], dt, transB, k, n, ldb); err != nil {
			return err
		}
		if err := checkMatrix(c[i], dt, NoTrans, m, n, ldc); err != nil {
			return err
		}
	}

	ctx.Enter()
	exitErr := func(err error) error {
		ctx.Exit()
		return err
	}

	if uint64(m)*uint64(n)*uint64(k) > gemmBatchedCutoff {
		if !r.engine.Supports(OpGemm, dt) {
			return exitErr(unsupported("gemm for " + dt.String()))
		}
		for i := 0; i < batchCount; i++ {
			if err := ctx.Wait(a[i].Buf, gpudata.AccessRead); err != nil {
				return exitErr(err)
			}
			if err := ctx.Wait(b[i].Buf, gpudata.AccessRead); err != nil {
				return exitErr(err)
			}
			if err := ctx.Wait(c[i].Buf, gpudata.AccessAll); err != nil {
				return exitErr(err)
			}
			if err := s.handle.Gemm(dt, transA, transB, m, n, k, alpha,
				a[i].Ptr(), lda, b[i].Ptr(), ldb, beta, c[i].Ptr(), ldc); err != nil {
				return exitErr(execError("gemm", err))
			}
			if err := ctx.Record(a[i].Buf, gpudata.AccessRead); err != nil {
				return exitErr(err)
			}
			if err := ctx.Record(b[i].Buf, gpudata.AccessRead); err != nil {
				return exitErr(err)
			}
			if err := ctx.Record(c[i].Buf, gpudata.AccessAll); err != nil {
				return exitErr(err)
			}
		}
		ctx.Exit()
		return nil
	}

	if !r.engine.Supports(OpGemmBatched, dt) {
		return exitErr(unsupported("batched gemm for " + dt.String()))
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Wait(a[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(b[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Wait(c[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	tbl, err := stagePointerTables(ctx, regionPtrs(a), regionPtrs(b), regionPtrs(c))
	if err != nil {
		return exitErr(err)
	}
	err = s.handle.GemmBatched(dt, transA, transB, m, n, k, alpha,
		tbl.Role(0), lda, tbl.Role(1), ldb, beta, tbl.Role(2), ldc, batchCount)
	tbl.Release()
	if err != nil {
		return exitErr(execError("batched gemm", err))
	}
	for i := 0; i < batchCount; i++ {
		if err := ctx.Record(a[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(b[i].Buf, gpudata.AccessRead); err != nil {
			return exitErr(err)
		}
		if err := ctx.Record(c[i].Buf, gpudata.AccessAll); err != nil {
			return exitErr(err)
		}
	}
	ctx.Exit()
	return nil
}

// GemmStridedBatched performs one GEMM per batch element where all batch
// members of each matrix share one buffer and a fixed element stride.
// Supported for Float16 (scalars converted to half for the vendor call),
// Float32 and Float64, subject to the vendor library providing the
// strided entry point.
func (r *Registry) GemmStridedBatched(dt dtypes.DType, order Order, transA, transB Transpose,
	m, n, k int, alpha float64,
	a gpudata.Region, lda int, strideA int64,
	b gpudata.Region, ldb int, strideB int64, beta float64,
	c gpudata.Region, ldc int, strideC int64, batchCount int) error {
	ctx := a.Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	if err := gpudata.SameContext(ctx, a, b, c); err != nil {
		return err
	}
	if err := dtypeSlot(dt, true); err != nil {
		return err
	}
	if batchCount <= 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "batch count must be positive")
	}
	if err := checkGemmSizes(m, n, k, lda, ldb, ldc); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	if !r.engine.Supports(OpGemmStridedBatched, dt) {
		return unsupported("strided-batch gemm for " + dt.String())
	}

	if order == RowMajor {
		m, n = n, m
		a, b = b, a
		lda, ldb = ldb, lda
		transA, transB = transB, transA
		strideA, strideB = strideB, strideA
	}
	if err := checkStridedMatrix(a, dt, transA, m, k, lda, strideA, batchCount); err != nil {
		return err
	}
	if err := checkStridedMatrix(b, dt, transB, k, n, ldb, strideB, batchCount); err != nil {
		return err
	}
	if err := checkStridedMatrix(c, dt, NoTrans, m, n, ldc, strideC, batchCount); err != nil {
		return err
	}

	uses := []gpudata.Use{
		{Buf: a.Buf, Mode: gpudata.AccessRead},
		{Buf: b.Buf, Mode: gpudata.AccessRead},
		{Buf: c.Buf, Mode: gpudata.AccessAll},
	}
	return gpudata.Run(ctx, uses, func() error {
		return execError("strided-batch gemm",
			s.handle.GemmStridedBatched(dt, transA, transB, m, n, k, alpha,
				a.Ptr(), lda, strideA,
				b.Ptr(), ldb, strideB, beta,
				c.Ptr(), ldc, strideC, batchCount))
	})
}
