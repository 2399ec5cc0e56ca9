package blas

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// Dot computes the dot product of two n-element device vectors and writes
// the scalar result to the device region z. Supported for Float32 and
// Float64.
func (r *Registry) Dot(dt dtypes.DType, n int,
	x gpudata.Region, incX int,
	y gpudata.Region, incY int,
	z gpudata.Region) error {
	ctx := x.Context()
	if ctx == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil buffer")
	}
	if err := gpudata.SameContext(ctx, x, y, z); err != nil {
		return err
	}
	if err := dtypeSlot(dt, false); err != nil {
		return err
	}
	if n < 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "negative element count")
	}
	if overflows(uint64(n), absU64(incX), absU64(incY)) {
		return errOverflow
	}
	if err := x.CheckFits(vectorElems(n, incX), dt.Size()); err != nil {
		return err
	}
	if err := y.CheckFits(vectorElems(n, incY), dt.Size()); err != nil {
		return err
	}
	if err := z.CheckFits(1, dt.Size()); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return err
	}
	if !r.engine.Supports(OpDot, dt) {
		return unsupported("dot for " + dt.String())
	}

	uses := []gpudata.Use{
		{Buf: x.Buf, Mode: gpudata.AccessRead},
		{Buf: y.Buf, Mode: gpudata.AccessRead},
		{Buf: z.Buf, Mode: gpudata.AccessWrite},
	}
	return gpudata.Run(ctx, uses, func() error {
		return execError("dot",
			s.handle.Dot(dt, n, x.Ptr(), incX, y.Ptr(), incY, z.Ptr()))
	})
}
