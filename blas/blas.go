// Package blas implements the dense linear-algebra dispatcher of the
// gpuarray backend: dot, gemv, gemm, ger and their batched and
// strided-batched variants over device buffers, in float16, float32 and
// float64 precision.
//
// The vendor numeric library is reached through the Engine interface; a
// Registry owns one lazily created vendor handle (plus a small set of
// precompiled fallback kernels) per device context. Every operation is
// wrapped in the buffer wait/record dependency protocol so work issued on
// the shared compute stream observes correct read-after-write and
// write-after-read ordering.
package blas

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
)

// Order selects the memory layout of the matrices passed to an operation.
// The vendor libraries are column-major; row-major problems are rewritten
// into equivalent column-major ones by the dispatcher.
type Order int

const (
	RowMajor Order = iota
	ColMajor
)

// String implements fmt.Stringer.
func (o Order) String() string {
	switch o {
	case RowMajor:
		return "RowMajor"
	case ColMajor:
		return "ColMajor"
	}
	return "Order(?)"
}

// Transpose selects the transposition applied to a matrix operand.
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
	ConjTrans
)

// String implements fmt.Stringer.
func (t Transpose) String() string {
	switch t {
	case NoTrans:
		return "NoTrans"
	case Trans:
		return "Trans"
	case ConjTrans:
		return "ConjTrans"
	}
	return "Transpose(?)"
}

// flip inverts a transposition flag, used when rewriting a row-major gemv
// as a column-major one.
func (t Transpose) flip() Transpose {
	if t == NoTrans {
		return Trans
	}
	return NoTrans
}

// Op identifies a vendor entry-point family, for capability queries.
type Op int

const (
	OpDot Op = iota
	OpGemv
	OpGemm
	OpGer
	OpGemmBatched
	OpGemmStridedBatched
)

// Engine is the vendor dense linear-algebra library. One concrete
// implementation exists per backend (devsim provides the pure-Go one; a
// CUDA backend would wrap cuBLAS).
type Engine interface {
	// Init creates a library handle bound to the context's compute
	// stream. Called once per context by the Registry, under the
	// context's execution scope.
	Init(ctx gpudata.Context) (Handle, error)

	// Supports reports whether the library provides op for dt on this
	// device/version. A false return maps to ErrDeviceUnsupported.
	Supports(op Op, dt dtypes.DType) bool
}

// Handle is a created vendor library handle. All calls are issued
// asynchronously on the stream the handle was bound to at Init; scalar
// results (Dot) are written to device memory. Precision-specific vendor
// entry points are selected by the dtype argument; the half-precision
// Gemm computes in single precision with scalars converted to half where
// the call convention requires it.
//
// Device operands are raw addresses (buffer base + byte offset); the
// dispatcher validates bounds and ordering before any Handle call.
type Handle interface {
	Close() error

	Dot(dt dtypes.DType, n int,
		x gpudata.Devptr, incX int,
		y gpudata.Devptr, incY int,
		z gpudata.Devptr) error

	Gemv(dt dtypes.DType, transA Transpose, m, n int, alpha float64,
		a gpudata.Devptr, lda int,
		x gpudata.Devptr, incX int, beta float64,
		y gpudata.Devptr, incY int) error

	Gemm(dt dtypes.DType, transA, transB Transpose, m, n, k int, alpha float64,
		a gpudata.Devptr, lda int,
		b gpudata.Devptr, ldb int, beta float64,
		c gpudata.Devptr, ldc int) error

	Ger(dt dtypes.DType, m, n int, alpha float64,
		x gpudata.Devptr, incX int,
		y gpudata.Devptr, incY int,
		a gpudata.Devptr, lda int) error

	// GemmBatched performs batchCount independent GEMMs; aArray, bArray
	// and cArray are device addresses of packed pointer tables (one raw
	// device address per batch element), built by the dispatcher.
	GemmBatched(dt dtypes.DType, transA, transB Transpose, m, n, k int, alpha float64,
		aArray gpudata.Devptr, lda int,
		bArray gpudata.Devptr, ldb int, beta float64,
		cArray gpudata.Devptr, ldc int, batchCount int) error

	// GemmStridedBatched performs batchCount GEMMs over matrices laid out
	// at a fixed element stride from a common base.
	GemmStridedBatched(dt dtypes.DType, transA, transB Transpose, m, n, k int, alpha float64,
		a gpudata.Devptr, lda int, strideA int64,
		b gpudata.Devptr, ldb int, strideB int64, beta float64,
		c gpudata.Devptr, ldc int, strideC int64, batchCount int) error
}
