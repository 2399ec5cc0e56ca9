package devsim

import (
	"encoding/binary"
	"unsafe"

	"github.com/gomlx/gpuarray/blas"
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// BlasEngine is the simulated dense linear-algebra library: every entry
// point computes synchronously on the context's arena with ordinary Go
// arithmetic, column-major like the real vendor libraries. Half precision
// is only reachable through the gemm family, computed in single precision.
type BlasEngine struct{}

var _ blas.Engine = (*BlasEngine)(nil)

// NewBlasEngine creates the simulated dense engine.
func NewBlasEngine() *BlasEngine { return &BlasEngine{} }

// Init binds a handle to the simulated device.
func (e *BlasEngine) Init(ctx gpudata.Context) (blas.Handle, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, errors.WithMessage(gpudata.ErrInvalidArgument,
			"context is not a simulated device")
	}
	return &blasHandle{ctx: c}, nil
}

// Supports reports the simulated library's entry points: everything in
// float32 and float64, the gemm family additionally in float16.
func (e *BlasEngine) Supports(op blas.Op, dt dtypes.DType) bool {
	switch dt {
	case dtypes.Float32, dtypes.Float64:
		return true
	case dtypes.Float16:
		return op == blas.OpGemm || op == blas.OpGemmStridedBatched
	}
	return false
}

type blasHandle struct {
	ctx    *Context
	closed bool
}

func (h *blasHandle) Close() error {
	if h.closed {
		return errors.New("dense handle already closed")
	}
	h.closed = true
	return nil
}

func (h *blasHandle) check() error {
	if h.closed {
		return errors.New("dense handle is closed")
	}
	return nil
}

// Typed views over arena memory. The dispatchers validate bounds before
// any address reaches the simulator.

func f32view(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func f64view(b []byte) []float64 {
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func f16view(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// vecIdx maps a logical vector index to a storage index, with the
// negative-increment convention of the dense libraries: a negative
// increment walks the vector backwards from its far end.
func vecIdx(k, n, inc int) int {
	if inc >= 0 {
		return k * inc
	}
	return (n - 1 - k) * -inc
}

// matAt indexes a column-major matrix through its trans flag: the element
// the operation sees at (i, j).
func matAt[T float32 | float64](a []T, lda int, trans blas.Transpose, i, j int) T {
	if trans == blas.NoTrans {
		return a[j*lda+i]
	}
	return a[i*lda+j]
}

func dotKernel[T float32 | float64](n int, x []T, incX int, y []T, incY int) T {
	var acc T
	for k := 0; k < n; k++ {
		acc += x[vecIdx(k, n, incX)] * y[vecIdx(k, n, incY)]
	}
	return acc
}

func gemvKernel[T float32 | float64](trans blas.Transpose, m, n int, alpha T,
	a []T, lda int, x []T, incX int, beta T, y []T, incY int) {
	rows, inner := m, n
	if trans != blas.NoTrans {
		rows, inner = n, m
	}
	for i := 0; i < rows; i++ {
		var acc T
		for j := 0; j < inner; j++ {
			var aij T
			if trans == blas.NoTrans {
				aij = a[j*lda+i]
			} else {
				aij = a[i*lda+j]
			}
			acc += aij * x[vecIdx(j, inner, incX)]
		}
		yi := vecIdx(i, rows, incY)
		y[yi] = alpha*acc + beta*y[yi]
	}
}

func gemmKernel[T float32 | float64](transA, transB blas.Transpose, m, n, k int,
	alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var acc T
			for p := 0; p < k; p++ {
				acc += matAt(a, lda, transA, i, p) * matAt(b, ldb, transB, p, j)
			}
			c[j*ldc+i] = alpha*acc + beta*c[j*ldc+i]
		}
	}
}

func gerKernel[T float32 | float64](m, n int, alpha T,
	x []T, incX int, y []T, incY int, a []T, lda int) {
	for j := 0; j < n; j++ {
		yj := y[vecIdx(j, n, incY)]
		for i := 0; i < m; i++ {
			a[j*lda+i] += alpha * x[vecIdx(i, m, incX)] * yj
		}
	}
}

// gemmHalf computes a half-precision gemm in single precision, reading and
// writing 16-bit storage, the way the vendor mixed-precision entry point
// does.
func gemmHalf(transA, transB blas.Transpose, m, n, k int,
	alpha float32, a []uint16, lda int, b []uint16, ldb int,
	beta float32, c []uint16, ldc int) {
	at := func(s []uint16, ld int, trans blas.Transpose, i, j int) float32 {
		if trans == blas.NoTrans {
			return dtypes.Float16ToFloat32(s[j*ld+i])
		}
		return dtypes.Float16ToFloat32(s[i*ld+j])
	}
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var acc float32
			for p := 0; p < k; p++ {
				acc += at(a, lda, transA, i, p) * at(b, ldb, transB, p, j)
			}
			v := alpha*acc + beta*dtypes.Float16ToFloat32(c[j*ldc+i])
			c[j*ldc+i] = dtypes.Float32ToFloat16(v)
		}
	}
}

func (h *blasHandle) Dot(dt dtypes.DType, n int,
	x gpudata.Devptr, incX int, y gpudata.Devptr, incY int, z gpudata.Devptr) error {
	if err := h.check(); err != nil {
		return err
	}
	xb, err := h.ctx.bytesAt(x)
	if err != nil {
		return err
	}
	yb, err := h.ctx.bytesAt(y)
	if err != nil {
		return err
	}
	zb, err := h.ctx.bytesAt(z)
	if err != nil {
		return err
	}
	switch dt {
	case dtypes.Float32:
		f32view(zb)[0] = dotKernel(n, f32view(xb), incX, f32view(yb), incY)
	case dtypes.Float64:
		f64view(zb)[0] = dotKernel(n, f64view(xb), incX, f64view(yb), incY)
	default:
		return errors.Errorf("dot: no entry point for %s", dt)
	}
	return nil
}

func (h *blasHandle) Gemv(dt dtypes.DType, transA blas.Transpose, m, n int, alpha float64,
	a gpudata.Devptr, lda int, x gpudata.Devptr, incX int, beta float64,
	y gpudata.Devptr, incY int) error {
	if err := h.check(); err != nil {
		return err
	}
	ab, err := h.ctx.bytesAt(a)
	if err != nil {
		return err
	}
	xb, err := h.ctx.bytesAt(x)
	if err != nil {
		return err
	}
	yb, err := h.ctx.bytesAt(y)
	if err != nil {
		return err
	}
	switch dt {
	case dtypes.Float32:
		gemvKernel(transA, m, n, float32(alpha), f32view(ab), lda,
			f32view(xb), incX, float32(beta), f32view(yb), incY)
	case dtypes.Float64:
		gemvKernel(transA, m, n, alpha, f64view(ab), lda,
			f64view(xb), incX, beta, f64view(yb), incY)
	default:
		return errors.Errorf("gemv: no entry point for %s", dt)
	}
	return nil
}

func (h *blasHandle) Gemm(dt dtypes.DType, transA, transB blas.Transpose,
	m, n, k int, alpha float64,
	a gpudata.Devptr, lda int, b gpudata.Devptr, ldb int, beta float64,
	c gpudata.Devptr, ldc int) error {
	if err := h.check(); err != nil {
		return err
	}
	ab, err := h.ctx.bytesAt(a)
	if err != nil {
		return err
	}
	bb, err := h.ctx.bytesAt(b)
	if err != nil {
		return err
	}
	cb, err := h.ctx.bytesAt(c)
	if err != nil {
		return err
	}
	switch dt {
	case dtypes.Float16:
		gemmHalf(transA, transB, m, n, k, float32(alpha),
			f16view(ab), lda, f16view(bb), ldb, float32(beta), f16view(cb), ldc)
	case dtypes.Float32:
		gemmKernel(transA, transB, m, n, k, float32(alpha),
			f32view(ab), lda, f32view(bb), ldb, float32(beta), f32view(cb), ldc)
	case dtypes.Float64:
		gemmKernel(transA, transB, m, n, k, alpha,
			f64view(ab), lda, f64view(bb), ldb, beta, f64view(cb), ldc)
	default:
		return errors.Errorf("gemm: no entry point for %s", dt)
	}
	return nil
}

func (h *blasHandle) Ger(dt dtypes.DType, m, n int, alpha float64,
	x gpudata.Devptr, incX int, y gpudata.Devptr, incY int,
	a gpudata.Devptr, lda int) error {
	if err := h.check(); err != nil {
		return err
	}
	xb, err := h.ctx.bytesAt(x)
	if err != nil {
		return err
	}
	yb, err := h.ctx.bytesAt(y)
	if err != nil {
		return err
	}
	ab, err := h.ctx.bytesAt(a)
	if err != nil {
		return err
	}
	switch dt {
	case dtypes.Float32:
		gerKernel(m, n, float32(alpha), f32view(xb), incX, f32view(yb), incY,
			f32view(ab), lda)
	case dtypes.Float64:
		gerKernel(m, n, alpha, f64view(xb), incX, f64view(yb), incY,
			f64view(ab), lda)
	default:
		return errors.Errorf("ger: no entry point for %s", dt)
	}
	return nil
}

// readPointerTable reads batchCount packed device addresses starting at
// table.
func (h *blasHandle) readPointerTable(table gpudata.Devptr, batchCount int) ([]gpudata.Devptr, error) {
	raw, err := h.ctx.bytesAt(table)
	if err != nil {
		return nil, err
	}
	if len(raw) < batchCount*8 {
		return nil, errors.New("pointer table runs past the arena")
	}
	ptrs := make([]gpudata.Devptr, batchCount)
	for i := range ptrs {
		ptrs[i] = gpudata.Devptr(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return ptrs, nil
}

func (h *blasHandle) GemmBatched(dt dtypes.DType, transA, transB blas.Transpose,
	m, n, k int, alpha float64,
	aArray gpudata.Devptr, lda int,
	bArray gpudata.Devptr, ldb int, beta float64,
	cArray gpudata.Devptr, ldc int, batchCount int) error {
	if err := h.check(); err != nil {
		return err
	}
	if dt != dtypes.Float32 && dt != dtypes.Float64 {
		return errors.Errorf("batched gemm: no entry point for %s", dt)
	}
	as, err := h.readPointerTable(aArray, batchCount)
	if err != nil {
		return err
	}
	bs, err := h.readPointerTable(bArray, batchCount)
	if err != nil {
		return err
	}
	cs, err := h.readPointerTable(cArray, batchCount)
	if err != nil {
		return err
	}
	for i := 0; i < batchCount; i++ {
		if err := h.Gemm(dt, transA, transB, m, n, k, alpha,
			as[i], lda, bs[i], ldb, beta, cs[i], ldc); err != nil {
			return err
		}
	}
	return nil
}

func (h *blasHandle) GemmStridedBatched(dt dtypes.DType, transA, transB blas.Transpose,
	m, n, k int, alpha float64,
	a gpudata.Devptr, lda int, strideA int64,
	b gpudata.Devptr, ldb int, strideB int64, beta float64,
	c gpudata.Devptr, ldc int, strideC int64, batchCount int) error {
	if err := h.check(); err != nil {
		return err
	}
	if dt == dtypes.Float16 {
		// The strided half entry point takes half-precision scalars; mimic
		// the rounding the conversion imposes.
		alpha = float64(dtypes.Float16ToFloat32(dtypes.Float32ToFloat16(float32(alpha))))
		beta = float64(dtypes.Float16ToFloat32(dtypes.Float32ToFloat16(float32(beta))))
	}
	es := int64(dt.Size())
	for i := 0; i < batchCount; i++ {
		ai := a + gpudata.Devptr(int64(i)*strideA*es)
		bi := b + gpudata.Devptr(int64(i)*strideB*es)
		ci := c + gpudata.Devptr(int64(i)*strideC*es)
		if err := h.Gemm(dt, transA, transB, m, n, k, alpha,
			ai, lda, bi, ldb, beta, ci, ldc); err != nil {
			return err
		}
	}
	return nil
}
