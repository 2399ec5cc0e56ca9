package blas

import (
	"math"

	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// The vendor call convention takes signed 32-bit dimensions; any value or
// dimension product reaching the bound is rejected before device work.
const int32Bound = math.MaxInt32

func overflows(vals ...uint64) bool {
	for _, v := range vals {
		if v >= int32Bound {
			return true
		}
	}
	return false
}

var errOverflow = errors.WithMessage(gpudata.ErrSizeOverflow,
	"passed-in sizes would overflow the ints in the vendor library interface")

// checkGemmSizes validates gemm-family dimensions and leading dimensions,
// including the pairwise dimension products the vendor interface computes.
func checkGemmSizes(m, n, k, lda, ldb, ldc int) error {
	if m < 0 || n < 0 || k < 0 || lda < 0 || ldb < 0 || ldc < 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "negative dimension")
	}
	um, un, uk := uint64(m), uint64(n), uint64(k)
	if overflows(um, un, uk, uint64(lda), uint64(ldb), uint64(ldc),
		um*un, um*uk, uk*un) {
		return errOverflow
	}
	return nil
}

// checkGemvSizes validates gemv/ger dimensions, leading dimension and
// vector increments.
func checkGemvSizes(m, n, lda, incX, incY int) error {
	if m < 0 || n < 0 || lda < 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "negative dimension")
	}
	um, un := uint64(m), uint64(n)
	if overflows(um, un, um*un, uint64(lda), absU64(incX), absU64(incY)) {
		return errOverflow
	}
	return nil
}

func absU64(v int) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// matrixElems returns the element footprint of a rows×cols column-major
// matrix with leading dimension ld.
func matrixElems(rows, cols, ld int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return ld*(cols-1) + rows
}

// vectorElems returns the element footprint of an n-vector with the given
// increment.
func vectorElems(n, inc int) int {
	if n == 0 {
		return 0
	}
	if inc < 0 {
		inc = -inc
	}
	if inc == 0 {
		inc = 1
	}
	return (n-1)*inc + 1
}

// opDims returns the stored (rows, cols) of a matrix operand that the
// operation sees as rows×cols after the trans flag is applied.
func opDims(trans Transpose, rows, cols int) (storedRows, storedCols int) {
	if trans == NoTrans {
		return rows, cols
	}
	return cols, rows
}

// checkMatrix bounds-checks the matrix operand seen as rows×cols through
// trans, stored at r with leading dimension ld.
func checkMatrix(r gpudata.Region, dt dtypes.DType, trans Transpose, rows, cols, ld int) error {
	sr, sc := opDims(trans, rows, cols)
	return r.CheckFits(matrixElems(sr, sc, ld), dt.Size())
}

// checkStridedMatrix bounds-checks a strided batch of matrices: every
// batch member, at its element stride from the base region, must fit.
func checkStridedMatrix(r gpudata.Region, dt dtypes.DType, trans Transpose, rows, cols, ld int, stride int64, batchCount int) error {
	sr, sc := opDims(trans, rows, cols)
	elems := matrixElems(sr, sc, ld)
	var span int64
	if batchCount > 1 {
		span = stride * int64(batchCount-1)
	}
	if span >= 0 {
		return r.CheckFits(int(span)+elems, dt.Size())
	}
	back := uint64(-span) * uint64(dt.Size())
	if back > r.Off {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"negative stride %d runs before the buffer start", stride)
	}
	low := gpudata.Region{Buf: r.Buf, Off: r.Off - back}
	return low.CheckFits(int(-span)+elems, dt.Size())
}

// dtypeSlot classifies the dtype of a dense call the way the dispatch
// table does: float32/float64 always have vendor slots, float16 only where
// halfOK, anything else is not a dense element type.
func dtypeSlot(dt dtypes.DType, halfOK bool) error {
	switch dt {
	case dtypes.Float32, dtypes.Float64:
		return nil
	case dtypes.Float16:
		if halfOK {
			return nil
		}
		return errors.WithMessage(gpudata.ErrDeviceUnsupported,
			"the vendor library has no float16 entry point for this operation")
	default:
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"dtype %s is not supported by dense operations", dt)
	}
}

// execError translates a vendor-call failure into the shared taxonomy:
// device-capability failures pass through, everything else is a device
// execution failure carrying the library-specific message.
func execError(call string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gpudata.ErrDeviceUnsupported) || errors.Is(err, gpudata.ErrUnsupportedOperation) {
		return errors.WithMessage(err, call)
	}
	return errors.WithMessagef(gpudata.ErrExecution, "%s: %v", call, err)
}

// unsupported builds the error for a vendor entry point missing on this
// device/version.
func unsupported(what string) error {
	return errors.WithMessagef(gpudata.ErrDeviceUnsupported, "%s not available in this version of the vendor library", what)
}
