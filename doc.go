// Package gpuarray provides the device-side numeric backend of a GPU array
// library: dense linear-algebra primitives (dot, gemv, gemm, ger and their
// batched variants over float16/float32/float64) and multi-device collective
// communication primitives (reduce, all-reduce, reduce-scatter, broadcast,
// all-gather), both operating directly on device buffers.
//
// The module is organized as small packages, leaves first:
//
//   - dtypes: element types shared by both capability groups.
//   - gpudata: the contracts this backend requires from the buffer
//     allocator/context (opaque device heap, execution scoping, the
//     per-buffer wait/record dependency protocol) and from the kernel
//     compiler, plus the shared error taxonomy.
//   - blas: the dense BLAS dispatcher, including the per-context session
//     registry, the pointer-table builder for batched calls, and the
//     custom fallback kernels for batched GEMV/GER.
//   - comm: the collective dispatcher and the communicator object joining
//     a device context to a world of cooperating ranks.
//   - devsim: a pure-Go simulated device backend implementing every
//     contract, used by the tests and as a reference implementation.
//
// Vendor numeric and communication libraries are reached through the
// blas.Engine and comm.Engine interfaces; devsim provides the in-process
// implementations, a CUDA backend would provide cuBLAS/NCCL-backed ones.
package gpuarray
