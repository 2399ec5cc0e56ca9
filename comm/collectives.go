package comm

import (
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// wire validates the pieces every collective shares: the operand regions
// belong to the communicator's context, each holds its element count, and
// the dtype maps to a library wire code. Regions with a nil buffer are
// skipped (the reduce destination on non-root ranks).
func (c *Comm) wire(dt dtypes.DType, operands ...operand) (int32, error) {
	wt, ok := c.engine.DataType(dt)
	if !ok {
		return 0, errors.WithMessagef(gpudata.ErrInvalidArgument,
			"dtype %s is not supported by the collective library", dt)
	}
	for _, o := range operands {
		if o.region.Buf == nil {
			continue
		}
		if err := gpudata.SameContext(c.ctx, o.region); err != nil {
			return 0, err
		}
		if o.count < 0 {
			return 0, errors.WithMessage(gpudata.ErrInvalidArgument, "negative element count")
		}
		if err := o.region.CheckFits(o.count, dt.Size()); err != nil {
			return 0, err
		}
	}
	return wt, nil
}

func (c *Comm) wireOp(op ReduceOp) (int32, error) {
	wo, ok := c.engine.ReduceOpCode(op)
	if !ok {
		return 0, errors.WithMessagef(gpudata.ErrInvalidArgument,
			"reduction %s is not supported by the collective library", op)
	}
	return wo, nil
}

// operand pairs a device region with the element count the collective
// requires it to hold.
type operand struct {
	region gpudata.Region
	count  int
}

// Reduce combines count elements from every rank's src with op and writes
// the result to dst on root only. On non-root ranks dst may be the zero
// Region and is never touched.
func (c *Comm) Reduce(src gpudata.Region, dst gpudata.Region, count int,
	dt dtypes.DType, op ReduceOp, root int) error {
	if root < 0 || root >= c.ndev {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"root %d out of range for a %d-device clique", root, c.ndev)
	}
	atRoot := c.rank == root
	if !atRoot {
		dst = gpudata.Region{}
	} else if dst.Buf == nil {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "nil destination on root")
	}
	wt, err := c.wire(dt, operand{src, count}, operand{dst, count})
	if err != nil {
		return err
	}
	wo, err := c.wireOp(op)
	if err != nil {
		return err
	}

	uses := []gpudata.Use{{Buf: src.Buf, Mode: gpudata.AccessRead}}
	var dstPtr gpudata.Devptr
	if atRoot {
		uses = append(uses, gpudata.Use{Buf: dst.Buf, Mode: gpudata.AccessWrite})
		dstPtr = dst.Ptr()
	}
	return gpudata.Run(c.ctx, uses, func() error {
		if err := c.handle.Reduce(src.Ptr(), dstPtr, count, wt, wo, root); err != nil {
			return commFailure(c.ctx, "reduce", err)
		}
		return nil
	})
}

// AllReduce combines count elements from every rank's src with op and
// writes the result to every rank's dst.
func (c *Comm) AllReduce(src, dst gpudata.Region, count int,
	dt dtypes.DType, op ReduceOp) error {
	wt, err := c.wire(dt, operand{src, count}, operand{dst, count})
	if err != nil {
		return err
	}
	wo, err := c.wireOp(op)
	if err != nil {
		return err
	}
	uses := []gpudata.Use{
		{Buf: src.Buf, Mode: gpudata.AccessRead},
		{Buf: dst.Buf, Mode: gpudata.AccessWrite},
	}
	return gpudata.Run(c.ctx, uses, func() error {
		if err := c.handle.AllReduce(src.Ptr(), dst.Ptr(), count, wt, wo); err != nil {
			return commFailure(c.ctx, "all-reduce", err)
		}
		return nil
	})
}

// ReduceScatter combines count*Count() elements from every rank's src
// with op and scatters the result: rank i receives elements
// [i*count, (i+1)*count) in its dst.
func (c *Comm) ReduceScatter(src, dst gpudata.Region, count int,
	dt dtypes.DType, op ReduceOp) error {
	if count < 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "negative element count")
	}
	wt, err := c.wire(dt, operand{src, count * c.ndev}, operand{dst, count})
	if err != nil {
		return err
	}
	wo, err := c.wireOp(op)
	if err != nil {
		return err
	}
	uses := []gpudata.Use{
		{Buf: src.Buf, Mode: gpudata.AccessRead},
		{Buf: dst.Buf, Mode: gpudata.AccessWrite},
	}
	return gpudata.Run(c.ctx, uses, func() error {
		if err := c.handle.ReduceScatter(src.Ptr(), dst.Ptr(), count, wt, wo); err != nil {
			return commFailure(c.ctx, "reduce-scatter", err)
		}
		return nil
	})
}

// Broadcast copies count elements of buf on root into buf on every other
// rank. buf is the source on root and the destination elsewhere.
func (c *Comm) Broadcast(buf gpudata.Region, count int,
	dt dtypes.DType, root int) error {
	if root < 0 || root >= c.ndev {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"root %d out of range for a %d-device clique", root, c.ndev)
	}
	wt, err := c.wire(dt, operand{buf, count})
	if err != nil {
		return err
	}
	mode := gpudata.AccessWrite
	if c.rank == root {
		mode = gpudata.AccessRead
	}
	uses := []gpudata.Use{{Buf: buf.Buf, Mode: mode}}
	return gpudata.Run(c.ctx, uses, func() error {
		if err := c.handle.Broadcast(buf.Ptr(), count, wt, root); err != nil {
			return commFailure(c.ctx, "broadcast", err)
		}
		return nil
	})
}

// AllGather concatenates count elements from every rank's src, in rank
// order, into every rank's dst, which must hold count*Count() elements.
func (c *Comm) AllGather(src, dst gpudata.Region, count int,
	dt dtypes.DType) error {
	if count < 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "negative element count")
	}
	wt, err := c.wire(dt, operand{src, count}, operand{dst, count * c.ndev})
	if err != nil {
		return err
	}
	uses := []gpudata.Use{
		{Buf: src.Buf, Mode: gpudata.AccessRead},
		{Buf: dst.Buf, Mode: gpudata.AccessWrite},
	}
	return gpudata.Run(c.ctx, uses, func() error {
		if err := c.handle.AllGather(src.Ptr(), dst.Ptr(), count, wt); err != nil {
			return commFailure(c.ctx, "all-gather", err)
		}
		return nil
	})
}
