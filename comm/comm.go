// Package comm implements the multi-device collective-communication
// dispatcher of the gpuarray backend: reduce, all-reduce, reduce-scatter,
// broadcast and all-gather over device buffers, one communicator per
// participating device context.
//
// The vendor collective library is reached through the Engine interface.
// A communicator pins its context alive for its whole lifetime; vendor
// failures leave their message in the context's communication-error slot
// and surface as ErrComm.
package comm

import (
	"runtime"

	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CliqueIDBytes is the size of the opaque identifier shared by every
// communicator of one clique.
const CliqueIDBytes = 128

// CliqueID identifies one clique of communicators. Generated on one
// process by GenerateCliqueID and distributed out of band to every
// participant before New.
type CliqueID [CliqueIDBytes]byte

// ReduceOp selects the elementwise reduction applied by the reducing
// collectives.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMax
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceProd:
		return "Prod"
	case ReduceMax:
		return "Max"
	case ReduceMin:
		return "Min"
	}
	return "ReduceOp(?)"
}

// Engine is the vendor collective-communication library. One concrete
// implementation exists per backend (devsim provides the in-process one;
// a CUDA backend would wrap NCCL).
type Engine interface {
	// GenerateCliqueID asks the library for a fresh clique identifier.
	GenerateCliqueID(ctx gpudata.Context) (CliqueID, error)

	// InitRank creates the library communicator for one rank of an
	// ndev-wide clique. It blocks until every rank of the clique has
	// called in. Called under the context's execution scope.
	InitRank(ctx gpudata.Context, id CliqueID, ndev, rank int) (Handle, error)

	// DataType maps a dtype to the library's wire code; ok is false for
	// dtypes the library cannot transfer.
	DataType(dt dtypes.DType) (wire int32, ok bool)

	// ReduceOpCode maps a reduction to the library's wire code; ok is
	// false for reductions the library does not implement.
	ReduceOpCode(op ReduceOp) (wire int32, ok bool)
}

// Handle is a created vendor communicator. Counts are element counts;
// operands are raw device addresses on the rank's own device. Calls are
// issued asynchronously on the context's compute stream.
type Handle interface {
	Destroy() error

	// Count and Rank query the clique size and this communicator's rank
	// from the library.
	Count() int
	Rank() int

	Reduce(src, dst gpudata.Devptr, count int, wireType, wireOp int32, root int) error
	AllReduce(src, dst gpudata.Devptr, count int, wireType, wireOp int32) error
	ReduceScatter(src, dst gpudata.Devptr, count int, wireType, wireOp int32) error
	Broadcast(buf gpudata.Devptr, count int, wireType int32, root int) error
	AllGather(src, dst gpudata.Devptr, count int, wireType int32) error
}

// Comm is one rank's communicator in a clique. It holds a reference on
// its context until Free.
type Comm struct {
	engine Engine
	ctx    gpudata.Context
	handle Handle
	ndev   int
	rank   int

	cleanup runtime.Cleanup
}

// GenerateCliqueID creates the identifier a clique is rendezvoused on. A
// library failure is recorded in the context's communication-error slot.
func GenerateCliqueID(engine Engine, ctx gpudata.Context) (CliqueID, error) {
	id, err := engine.GenerateCliqueID(ctx)
	if err != nil {
		return CliqueID{}, commFailure(ctx, "generating clique id", err)
	}
	return id, nil
}

// New creates the communicator for one rank of an ndev-wide clique
// identified by id. It blocks until every rank of the clique has called
// New, retains ctx for the communicator's lifetime, and must be released
// with Free.
func New(engine Engine, ctx gpudata.Context, id CliqueID, ndev, rank int) (*Comm, error) {
	if ctx == nil {
		return nil, errors.WithMessage(gpudata.ErrInvalidArgument, "nil context")
	}
	if ndev <= 0 || rank < 0 || rank >= ndev {
		return nil, errors.WithMessagef(gpudata.ErrInvalidArgument,
			"rank %d out of range for a %d-device clique", rank, ndev)
	}

	ctx.Retain()
	ctx.Enter()
	handle, err := engine.InitRank(ctx, id, ndev, rank)
	ctx.Exit()
	if err != nil {
		ctx.Release()
		return nil, commFailure(ctx, "initializing communicator", err)
	}

	c := &Comm{engine: engine, ctx: ctx, handle: handle, ndev: ndev, rank: rank}
	c.cleanup = runtime.AddCleanup(c, func(rank int) {
		klog.Warningf("comm: communicator for rank %d garbage collected without Free, "+
			"vendor communicator leaked", rank)
	}, rank)
	klog.V(1).Infof("comm: communicator created, rank %d of %d", rank, ndev)
	return c, nil
}

// Free destroys the vendor communicator and drops the context reference.
// The communicator must not be used afterwards.
func (c *Comm) Free() {
	c.cleanup.Stop()
	if err := c.handle.Destroy(); err != nil {
		klog.Errorf("comm: destroying communicator for rank %d: %v", c.rank, err)
	}
	c.ctx.Release()
	klog.V(1).Infof("comm: communicator destroyed, rank %d of %d", c.rank, c.ndev)
}

// Count returns the number of devices in the communicator's clique.
func (c *Comm) Count() int { return c.handle.Count() }

// Rank returns the communicator's rank within its clique.
func (c *Comm) Rank() int { return c.handle.Rank() }

// Context returns the device context the communicator is bound to.
func (c *Comm) Context() gpudata.Context { return c.ctx }

// ErrorString returns the message of the last communication-library
// failure recorded on ctx, or the empty string.
func ErrorString(ctx gpudata.Context) string {
	return ctx.CommError()
}

// commFailure records a vendor-library failure on the context and wraps
// it in the shared taxonomy.
func commFailure(ctx gpudata.Context, call string, err error) error {
	ctx.SetCommError(err.Error())
	return errors.WithMessagef(gpudata.ErrComm, "%s: %v", call, err)
}
