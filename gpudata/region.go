package gpudata

import "github.com/pkg/errors"

// Region identifies a span of device memory as a buffer handle plus a byte
// offset. Every dispatcher argument that names device data is a Region;
// bounds are validated in one place (CheckFits) instead of ad-hoc pointer
// arithmetic at each call site.
type Region struct {
	Buf Buffer
	Off uint64
}

// At builds a Region over buf starting at byte offset off.
func At(buf Buffer, off uint64) Region {
	return Region{Buf: buf, Off: off}
}

// Ptr returns the raw device address of the region start.
func (r Region) Ptr() Devptr {
	return r.Buf.Ptr() + Devptr(r.Off)
}

// Context returns the context of the underlying buffer, or nil for an
// empty region.
func (r Region) Context() Context {
	if r.Buf == nil {
		return nil
	}
	return r.Buf.Context()
}

// CheckFits verifies that count elements of elemSize bytes fit in the
// buffer starting at the region offset. It is the single bounds-check
// routine used by every entry point, for every buffer role.
func (r Region) CheckFits(count int, elemSize int) error {
	if r.Buf == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil buffer")
	}
	sz := r.Buf.Size()
	if r.Off > sz {
		return errors.WithMessagef(ErrInvalidArgument,
			"offset %d exceeds buffer size %d", r.Off, sz)
	}
	need := uint64(count) * uint64(elemSize)
	if sz-r.Off < need {
		return errors.WithMessagef(ErrInvalidArgument,
			"%d elements of %d bytes at offset %d exceed buffer size %d",
			count, elemSize, r.Off, sz)
	}
	return nil
}

// SameContext verifies that every region belongs to ctx. Used by the
// dispatchers to enforce that all buffers of one call share the primary
// buffer's (or the communicator's) context.
func SameContext(ctx Context, regions ...Region) error {
	for _, r := range regions {
		if r.Buf == nil {
			return errors.WithMessage(ErrInvalidArgument, "nil buffer")
		}
		if r.Buf.Context() != ctx {
			return errors.WithMessage(ErrInvalidArgument,
				"buffer belongs to a different context")
		}
	}
	return nil
}
