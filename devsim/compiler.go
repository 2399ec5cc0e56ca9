package devsim

import (
	"encoding/binary"
	"strings"

	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// Compiler simulates the device kernel compiler for the fixed set of
// fallback kernels the dense dispatcher ships: the batched GEMV pair (one
// access pattern per trans flag) and the batched GER kernel, in single
// and double precision. Launches honor the requested grid/block geometry,
// including the partial coverage of a clamped grid on kernels without
// grid-stride loops.
type Compiler struct{}

var _ gpudata.Compiler = (*Compiler)(nil)

// NewCompiler creates the simulated kernel compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile recognizes the known entry points and returns an interpreter
// for the matching kernel.
func (cp *Compiler) Compile(ctx gpudata.Context, source, entry string,
	params []gpudata.ParamType, flags gpudata.KernelFlags) (gpudata.Kernel, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, errors.WithMessage(gpudata.ErrInvalidArgument,
			"context is not a simulated device")
	}
	double := flags&gpudata.KernelUseDouble != 0

	var run func(k *kernel, grid, block []uint64, args []any) error
	switch entry {
	case "sgemv", "dgemv":
		if double != (entry == "dgemv") {
			return nil, errors.Errorf("kernel %s compiled with mismatched precision flags", entry)
		}
		// The transposed variant walks rows of A contiguously and covers
		// exactly one thread per output; the other grid-strides.
		transposed := strings.Contains(source, "i * lda")
		run = func(k *kernel, grid, block []uint64, args []any) error {
			return k.runGemvBatched(grid, block, args, double, transposed)
		}
	case "_sgerBH_gen_small", "_dgerBH_gen_small":
		if double != (entry == "_dgerBH_gen_small") {
			return nil, errors.Errorf("kernel %s compiled with mismatched precision flags", entry)
		}
		run = func(k *kernel, grid, block []uint64, args []any) error {
			return k.runGerBatched(grid, block, args, double)
		}
	default:
		return nil, errors.Errorf("cannot compile unknown kernel entry %q", entry)
	}
	if len(params) == 0 {
		return nil, errors.Errorf("kernel %s declared without parameters", entry)
	}
	return &kernel{ctx: c, entry: entry, run: run}, nil
}

type kernel struct {
	ctx   *Context
	entry string
	run   func(k *kernel, grid, block []uint64, args []any) error
	freed bool
}

func (k *kernel) Launch(grid, block []uint64, sharedBytes int, args []any) error {
	if k.freed {
		return errors.Errorf("kernel %s already freed", k.entry)
	}
	if len(grid) == 0 || len(block) == 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "empty launch geometry")
	}
	return k.run(k, grid, block, args)
}

func (k *kernel) Free() error {
	if k.freed {
		return errors.Errorf("kernel %s already freed", k.entry)
	}
	k.freed = true
	return nil
}

// axisCover returns how many indices a launch covers on one geometry
// axis.
func axisCover(grid, block []uint64, axis int) uint64 {
	var g, b uint64 = 1, 1
	if axis < len(grid) {
		g = grid[axis]
	}
	if axis < len(block) {
		b = block[axis]
	}
	return g * b
}

func (k *kernel) pointerTable(table gpudata.Devptr, count uint64) ([]gpudata.Devptr, error) {
	raw, err := k.ctx.bytesAt(table)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) < count*8 {
		return nil, errors.New("pointer table runs past the arena")
	}
	ptrs := make([]gpudata.Devptr, count)
	for i := range ptrs {
		ptrs[i] = gpudata.Devptr(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return ptrs, nil
}

func argPtr(args []any, i int) (gpudata.Devptr, error) {
	p, ok := args[i].(gpudata.Devptr)
	if !ok {
		return 0, errors.Errorf("kernel argument %d: want device pointer, got %T", i, args[i])
	}
	return p, nil
}

func argSize(args []any, i int) (uint64, error) {
	v, ok := args[i].(uint64)
	if !ok {
		return 0, errors.Errorf("kernel argument %d: want size, got %T", i, args[i])
	}
	return v, nil
}

// runGemvBatched interprets the batched y[p] += op(A[p])*x[p] kernels.
// Arguments: A[], lda, x[], incx, y[], incy, batch, m, n.
func (k *kernel) runGemvBatched(grid, block []uint64, args []any, double, transposed bool) error {
	if len(args) != 9 {
		return errors.Errorf("kernel %s: want 9 arguments, got %d", k.entry, len(args))
	}
	tblA, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	lda, err := argSize(args, 1)
	if err != nil {
		return err
	}
	tblX, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	incX, err := argSize(args, 3)
	if err != nil {
		return err
	}
	tblY, err := argPtr(args, 4)
	if err != nil {
		return err
	}
	incY, err := argSize(args, 5)
	if err != nil {
		return err
	}
	batch, err := argSize(args, 6)
	if err != nil {
		return err
	}
	m, err := argSize(args, 7)
	if err != nil {
		return err
	}
	n, err := argSize(args, 8)
	if err != nil {
		return err
	}

	as, err := k.pointerTable(tblA, batch)
	if err != nil {
		return err
	}
	xs, err := k.pointerTable(tblX, batch)
	if err != nil {
		return err
	}
	ys, err := k.pointerTable(tblY, batch)
	if err != nil {
		return err
	}

	// The non-transposed kernel grid-strides over both axes; the
	// transposed one runs one thread per (row, batch) and leaves anything
	// past the launch coverage untouched.
	mCover, bCover := m, batch
	if transposed {
		if c := axisCover(grid, block, 0); c < mCover {
			mCover = c
		}
		if c := axisCover(grid, block, 1); c < bCover {
			bCover = c
		}
	}
	for p := uint64(0); p < bCover; p++ {
		ab, err := k.ctx.bytesAt(as[p])
		if err != nil {
			return err
		}
		xb, err := k.ctx.bytesAt(xs[p])
		if err != nil {
			return err
		}
		yb, err := k.ctx.bytesAt(ys[p])
		if err != nil {
			return err
		}
		for i := uint64(0); i < mCover; i++ {
			if double {
				a64, x64, y64 := f64view(ab), f64view(xb), f64view(yb)
				var acc float64
				for j := uint64(0); j < n; j++ {
					if transposed {
						acc += a64[i*lda+j] * x64[j*incX]
					} else {
						acc += a64[j*lda+i] * x64[j*incX]
					}
				}
				y64[i*incY] += acc
			} else {
				a32, x32, y32 := f32view(ab), f32view(xb), f32view(yb)
				var acc float32
				for j := uint64(0); j < n; j++ {
					if transposed {
						acc += a32[i*lda+j] * x32[j*incX]
					} else {
						acc += a32[j*lda+i] * x32[j*incX]
					}
				}
				y32[i*incY] += acc
			}
		}
	}
	return nil
}

// runGerBatched interprets the batched A[p] += alpha*x[p]*y[p]^T kernel.
// Arguments: x[], incx, y[], incy, alpha, A[], lda, batch, m, n.
func (k *kernel) runGerBatched(grid, block []uint64, args []any, double bool) error {
	if len(args) != 10 {
		return errors.Errorf("kernel %s: want 10 arguments, got %d", k.entry, len(args))
	}
	tblX, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	incX, err := argSize(args, 1)
	if err != nil {
		return err
	}
	tblY, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	incY, err := argSize(args, 3)
	if err != nil {
		return err
	}
	var alpha float64
	switch v := args[4].(type) {
	case float32:
		if double {
			return errors.Errorf("kernel %s: want float64 alpha, got float32", k.entry)
		}
		alpha = float64(v)
	case float64:
		if !double {
			return errors.Errorf("kernel %s: want float32 alpha, got float64", k.entry)
		}
		alpha = v
	default:
		return errors.Errorf("kernel argument 4: want scalar, got %T", args[4])
	}
	tblA, err := argPtr(args, 5)
	if err != nil {
		return err
	}
	lda, err := argSize(args, 6)
	if err != nil {
		return err
	}
	batch, err := argSize(args, 7)
	if err != nil {
		return err
	}
	m, err := argSize(args, 8)
	if err != nil {
		return err
	}
	n, err := argSize(args, 9)
	if err != nil {
		return err
	}

	xs, err := k.pointerTable(tblX, batch)
	if err != nil {
		return err
	}
	ys, err := k.pointerTable(tblY, batch)
	if err != nil {
		return err
	}
	as, err := k.pointerTable(tblA, batch)
	if err != nil {
		return err
	}

	// One thread per (row, col); the batch axis grid-strides over z.
	mCover, nCover := m, n
	if c := axisCover(grid, block, 0); c < mCover {
		mCover = c
	}
	if c := axisCover(grid, block, 1); c < nCover {
		nCover = c
	}
	for p := uint64(0); p < batch; p++ {
		xb, err := k.ctx.bytesAt(xs[p])
		if err != nil {
			return err
		}
		yb, err := k.ctx.bytesAt(ys[p])
		if err != nil {
			return err
		}
		ab, err := k.ctx.bytesAt(as[p])
		if err != nil {
			return err
		}
		for j := uint64(0); j < nCover; j++ {
			for i := uint64(0); i < mCover; i++ {
				if double {
					x64, y64, a64 := f64view(xb), f64view(yb), f64view(ab)
					a64[j*lda+i] += alpha * x64[i*incX] * y64[j*incY]
				} else {
					x32, y32, a32 := f32view(xb), f32view(yb), f32view(ab)
					a32[j*lda+i] += float32(alpha) * x32[i*incX] * y32[j*incY]
				}
			}
		}
	}
	return nil
}
