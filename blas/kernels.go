package blas

import "github.com/gomlx/gpuarray/gpudata"

// Fallback kernels for the batched GEMV/GER forms the vendor library has
// no entry point for. They operate on packed tables of per-batch device
// pointers and accumulate with atomic floating-point adds, since several
// inner-dimension contributions may target the same output element.
//
// The no-transpose GEMV kernel covers (row, batch) with grid-stride loops
// so any grid covers any problem size; the transpose kernel assigns one
// thread per (row, batch) with a bounds check, the access pattern being
// already coalesced. The GER kernel iterates the batch dimension per
// (row, col) thread.

const srcGemvBatchedNF32 = `
#include <cluda.h>
KERNEL void sgemv(const float *A[], size_t lda,
                  const float *x[], size_t incx,
                  float *y[], size_t incy,
                  size_t b, size_t m, size_t n) {
  for (size_t p = blockIdx.y * blockDim.y + threadIdx.y; p < b;
       p += gridDim.y * blockDim.y) {
    for (size_t i = blockIdx.x * blockDim.x + threadIdx.x; i < m;
         i += gridDim.x * blockDim.x) {
      float yi = 0.0f;
      const float *Ap = A[p] + i;
      const float *xp = x[p];
      #pragma unroll 32
      for (size_t j = 0; j < n; j++) {
        yi += Ap[0] * xp[0];
        Ap += lda;
        xp += incx;
      }
      atom_add_fg(&y[p][i*incy], yi);
    }
  }
}
`

const srcGemvBatchedTF32 = `
#include <cluda.h>
KERNEL void sgemv(const float *A[], size_t lda,
                  const float *x[], size_t incx,
                  float *y[], size_t incy,
                  size_t b, size_t m, size_t n) {
  size_t i = blockIdx.x * blockDim.x + threadIdx.x;
  size_t p = blockIdx.y * blockDim.y + threadIdx.y;
  if (i >= m || p >= b) return;
  float yi = 0.0f;
  const float *Ap = A[p] + i * lda;
  const float *xp = x[p];
  #pragma unroll 32
  for (size_t j = 0; j < n; j++) {
    yi += Ap[j] * xp[0];
    xp += incx;
  }
  atom_add_fg(&y[p][i*incy], yi);
}
`

const srcGemvBatchedNF64 = `
#include <cluda.h>
KERNEL void dgemv(const double *A[], size_t lda,
                  const double *x[], size_t incx,
                  double *y[], size_t incy,
                  size_t b, size_t m, size_t n) {
  for (size_t p = blockIdx.y * blockDim.y + threadIdx.y; p < b;
       p += gridDim.y * blockDim.y) {
    for (size_t i = blockIdx.x * blockDim.x + threadIdx.x; i < m;
         i += gridDim.x * blockDim.x) {
      double yi = 0.0;
      const double *Ap = A[p] + i;
      const double *xp = x[p];
      #pragma unroll 32
      for (size_t j = 0; j < n; j++) {
        yi += Ap[0] * xp[0];
        Ap += lda;
        xp += incx;
      }
      atom_add_dg(&y[p][i*incy], yi);
    }
  }
}
`

const srcGemvBatchedTF64 = `
#include <cluda.h>
KERNEL void dgemv(const double *A[], size_t lda,
                  const double *x[], size_t incx,
                  double *y[], size_t incy,
                  size_t b, size_t m, size_t n) {
  size_t i = blockIdx.x * blockDim.x + threadIdx.x;
  size_t p = blockIdx.y * blockDim.y + threadIdx.y;
  if (i >= m || p >= b) return;
  double yi = 0.0;
  const double *Ap = A[p] + i * lda;
  const double *xp = x[p];
  #pragma unroll 32
  for (size_t j = 0; j < n; j++) {
    yi += Ap[j] * xp[0];
    xp += incx;
  }
  atom_add_dg(&y[p][i*incy], yi);
}
`

const srcGerBatchedF32 = `
#include <cluda.h>
KERNEL void _sgerBH_gen_small(
    const float *x[], size_t incx,
    const float *y[], size_t incy,
    float alpha, float *A[], size_t lda,
    size_t b, size_t m, size_t n) {
  size_t i = blockIdx.x * blockDim.x + threadIdx.x;
  size_t j = blockIdx.y * blockDim.y + threadIdx.y;
  if (i >= m || j >= n) return;
  for (size_t p = blockIdx.z; p < b; p += gridDim.z) {
    atom_add_fg(&A[p][j * lda + i],
                alpha * x[p][i * incx] * y[p][j * incy]);
  }
}
`

const srcGerBatchedF64 = `
#include <cluda.h>
KERNEL void _dgerBH_gen_small(
    const double *x[], size_t incx,
    const double *y[], size_t incy,
    double alpha, double *A[], size_t lda,
    size_t b, size_t m, size_t n) {
  size_t i = blockIdx.x * blockDim.x + threadIdx.x;
  size_t j = blockIdx.y * blockDim.y + threadIdx.y;
  if (i >= m || j >= n) return;
  for (size_t p = blockIdx.z; p < b; p += gridDim.z) {
    atom_add_dg(&A[p][j * lda + i],
                alpha * x[p][i * incx] * y[p][j * incy]);
  }
}
`

// gemvBatchedParams is the signature shared by the four GEMV kernels:
// A[], lda, x[], incx, y[], incy, batch, m, n.
var gemvBatchedParams = []gpudata.ParamType{
	gpudata.ParamBuffer, gpudata.ParamSize,
	gpudata.ParamBuffer, gpudata.ParamSize,
	gpudata.ParamBuffer, gpudata.ParamSize,
	gpudata.ParamSize, gpudata.ParamSize, gpudata.ParamSize,
}

// gerBatchedParams is the signature of the GER kernels:
// x[], incx, y[], incy, alpha, A[], lda, batch, m, n.
func gerBatchedParams(alpha gpudata.ParamType) []gpudata.ParamType {
	return []gpudata.ParamType{
		gpudata.ParamBuffer, gpudata.ParamSize,
		gpudata.ParamBuffer, gpudata.ParamSize,
		alpha,
		gpudata.ParamBuffer, gpudata.ParamSize,
		gpudata.ParamSize, gpudata.ParamSize, gpudata.ParamSize,
	}
}

// maxGridDim is the device limit on any grid axis.
const maxGridDim = 65535

// gemvBatchedGeometry sizes the (rows, batch) launch grid. Small row
// counts share a block across batch elements; the grid is clamped to the
// device limit, the grid-stride loops in the kernel cover the remainder.
func gemvBatchedGeometry(m, batchCount int) (grid, block []uint64) {
	block = make([]uint64, 2)
	if m < 512 {
		block[0] = 32
		if batchCount > 16 {
			block[1] = 16
		} else {
			block[1] = uint64(batchCount)
		}
	} else {
		block[0] = 512
		block[1] = 1
	}
	grid = []uint64{
		(uint64(m) + block[0] - 1) / block[0],
		(uint64(batchCount) + block[1] - 1) / block[1],
	}
	if grid[0]*grid[1] > maxGridDim {
		grid[1] = maxGridDim / grid[0]
		if grid[1] == 0 {
			grid[1] = 1
		}
	}
	return grid, block
}

// gerBatchedGeometry sizes the (m, n, batch) launch grid, preferring the
// unit-stride axis for the fastest-varying block dimension. Returns ok ==
// false when even a clamped grid cannot cover the (m, n) plane.
func gerBatchedGeometry(m, n, batchCount, incX int) (grid, block []uint64, ok bool) {
	block = []uint64{uint64(m), uint64(n), 1}
	grid = []uint64{1, 1, uint64(batchCount)}
	if incX == 1 {
		if block[0] > 32 {
			grid[0] = (block[0] + 31) / 32
			block[0] = 32
		}
		if block[0]*block[1] > 512 {
			grid[1] = (block[1] + 15) / 16
			block[1] = 16
		}
	} else {
		if block[1] > 32 {
			grid[1] = (block[1] + 31) / 32
			block[1] = 32
		}
		if block[0]*block[1] > 512 {
			grid[0] = (block[0] + 15) / 16
			block[0] = 16
		}
	}
	if grid[0]*grid[1]*grid[2] > maxGridDim {
		if grid[0]*grid[1] > maxGridDim {
			return nil, nil, false
		}
		// The batch loop in the kernel strides over the clamped z axis.
		grid[2] = maxGridDim / (grid[0] * grid[1])
	}
	return grid, block, true
}
